//go:build whisper

package runtime

import (
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/stt/whisper"
)

func newWhisperRecognizer(cfg config.STTConfig, logger *slog.Logger) (stt.Recognizer, func() error, error) {
	r, err := whisper.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}
