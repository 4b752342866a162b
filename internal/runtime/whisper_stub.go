//go:build !whisper

package runtime

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

func newWhisperRecognizer(config.STTConfig, *slog.Logger) (stt.Recognizer, func() error, error) {
	return nil, nil, errors.New("stt mode whisper requires a build with -tags whisper")
}
