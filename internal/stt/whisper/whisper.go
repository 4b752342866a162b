//go:build whisper

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

var _ stt.Recognizer = (*Recognizer)(nil)

// Recognizer shares one loaded model across chunks; each call gets its own
// whisper context.
type Recognizer struct {
	model    whisperlib.Model
	language string
	threads  uint
	logger   *slog.Logger

	closeOnce sync.Once
}

func New(cfg config.STTConfig, logger *slog.Logger) (*Recognizer, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.ModelPath, err)
	}
	threads := uint(1)
	if cfg.Threads > 0 {
		threads = uint(cfg.Threads)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		model:    model,
		language: cfg.Language,
		threads:  threads,
		logger:   logger.With(slog.String("component", "whisper")),
	}, nil
}

func (r *Recognizer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.model.Close()
	})
	return err
}

func (r *Recognizer) Transcribe(ctx context.Context, req stt.Request, emit func(stt.Segment) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	samples := monoFloat32(req.PCM, req.Format.Channels)

	wctx, err := r.model.NewContext()
	if err != nil {
		return fmt.Errorf("whisper: create context: %w", err)
	}
	wctx.SetThreads(r.threads)
	language := req.Language
	if language == "" {
		language = r.language
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			r.logger.Warn("failed to set language, using model default",
				slog.String("language", language), slog.String("error", err.Error()))
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return fmt.Errorf("whisper: process audio: %w", err)
	}
	// Process is not interruptible; honour cancellation before publishing.
	if err := ctx.Err(); err != nil {
		return err
	}

	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		if err := emit(stt.Segment{Text: text, Start: segment.Start, End: segment.End}); err != nil {
			return err
		}
	}
}

func monoFloat32(pcm []byte, channels int) []float32 {
	interleaved := audio.Float32(pcm)
	if channels <= 1 {
		return interleaved
	}
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
