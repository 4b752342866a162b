// Package capture provides audio capture devices that push PCM into the
// dictation pipeline.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
)

var (
	ErrUnknownDevice  = errors.New("capture: unknown device")
	ErrFormatMismatch = errors.New("capture: pcm format mismatch")
)

// Device delivers PCM through onData at its own cadence. End of stream is
// reported to onError as io.EOF; any other error is a device failure.
// Callbacks run on the device's goroutine and must not call Stop.
type Device interface {
	Start(ctx context.Context, onData func([]byte), onError func(error)) error
	Stop() error
}

type Options struct {
	Format   audio.Format
	Bus      *bus.Client
	Realtime bool
	Logger   *slog.Logger
}

// Open resolves a device selector of the form "bus:<id>" or "file:<path>".
func Open(selector string, opts Options) (Device, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	kind, target, ok := strings.Cut(selector, ":")
	if !ok || target == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, selector)
	}
	switch kind {
	case "bus":
		if opts.Bus == nil {
			return nil, fmt.Errorf("%w: %q requires the message bus", ErrUnknownDevice, selector)
		}
		return NewBusDevice(opts.Bus, target, opts.Format, opts.Logger), nil
	case "file":
		return NewFileDevice(target, opts.Format, opts.Realtime, opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, selector)
	}
}
