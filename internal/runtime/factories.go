package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/sink"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

func nopClose() error { return nil }

// NewRecognizer builds the recognizer selected by cfg.Mode. The returned
// func releases engine resources.
func NewRecognizer(cfg config.STTConfig, logger *slog.Logger) (stt.Recognizer, func() error, error) {
	switch cfg.Mode {
	case "", "mock":
		return stt.NewMockRecognizer(), nopClose, nil
	case "exec":
		r, err := stt.NewExecRecognizer(cfg)
		if err != nil {
			return nil, nil, err
		}
		return r, nopClose, nil
	case "whisper":
		return newWhisperRecognizer(cfg, logger)
	default:
		return nil, nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// NewSink builds the document sink selected by cfg.Mode. stdout receives
// text in stdout mode.
func NewSink(cfg config.SinkConfig, client *bus.Client, stdout io.Writer) (sink.DocumentSink, func() error, error) {
	switch cfg.Mode {
	case "", "stdout":
		return sink.NewWriterSink(stdout), nopClose, nil
	case "file":
		s, err := sink.NewFileSink(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "bus":
		if client == nil {
			return nil, nil, errors.New("bus sink requires an enabled message bus")
		}
		return sink.NewBusSink(client, cfg.Subject), nopClose, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sink mode %q", cfg.Mode)
	}
}
