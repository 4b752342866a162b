package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

const blockDuration = 20 * time.Millisecond

// FileDevice replays a WAV file in 20 ms blocks, optionally paced in real time.
type FileDevice struct {
	path     string
	format   audio.Format
	realtime bool
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFileDevice(path string, format audio.Format, realtime bool, logger *slog.Logger) *FileDevice {
	return &FileDevice{
		path:     path,
		format:   format,
		realtime: realtime,
		logger:   logger.With(slog.String("component", "capture"), slog.String("device", "file:"+path)),
	}
}

func (d *FileDevice) Start(ctx context.Context, onData func([]byte), onError func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return errors.New("capture: device already started")
	}

	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}
	pcm, format, err := audio.ReadWAV(f)
	f.Close()
	if err != nil {
		return err
	}
	if format != d.format {
		return fmt.Errorf("%w: file is %+v, capture expects %+v", ErrFormatMismatch, format, d.format)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.replay(ctx, pcm, onData, onError)
	d.logger.Info("capture started", slog.Duration("length", format.Duration(len(pcm))))
	return nil
}

func (d *FileDevice) replay(ctx context.Context, pcm []byte, onData func([]byte), onError func(error)) {
	defer close(d.done)
	block := d.format.FrameBytes(blockDuration)
	var ticker *time.Ticker
	if d.realtime {
		ticker = time.NewTicker(blockDuration)
		defer ticker.Stop()
	}
	for off := 0; off < len(pcm); off += block {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		end := min(off+block, len(pcm))
		onData(pcm[off:end])
	}
	onError(io.EOF)
}

func (d *FileDevice) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	d.logger.Info("capture stopped")
	return nil
}
