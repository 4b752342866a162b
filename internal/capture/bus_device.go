package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusDevice consumes protocol.AudioFrame messages published by an edge
// device on audio.frame.<id>.
type BusDevice struct {
	client   *bus.Client
	deviceID string
	format   audio.Format
	logger   *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusDevice(client *bus.Client, deviceID string, format audio.Format, logger *slog.Logger) *BusDevice {
	return &BusDevice{
		client:   client,
		deviceID: deviceID,
		format:   format,
		logger:   logger.With(slog.String("component", "capture"), slog.String("device", "bus:"+deviceID)),
	}
}

func (d *BusDevice) Start(ctx context.Context, onData func([]byte), onError func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return errors.New("capture: device already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var once sync.Once
	fail := func(err error) {
		once.Do(func() { onError(err) })
	}
	sub, err := d.client.Conn().Subscribe(protocol.AudioFrameSubject(d.deviceID), func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			d.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		if frame.SampleRate != d.format.SampleRate || frame.Channels != d.format.Channels {
			fail(fmt.Errorf("%w: got %d Hz x%d, want %d Hz x%d", ErrFormatMismatch,
				frame.SampleRate, frame.Channels, d.format.SampleRate, d.format.Channels))
			return
		}
		if len(frame.PCM) > 0 {
			onData(frame.PCM)
		}
		if frame.Final {
			fail(io.EOF)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	d.sub = sub
	d.logger.Info("capture started")
	return nil
}

func (d *BusDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub == nil {
		return nil
	}
	err := d.sub.Unsubscribe()
	d.sub = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe audio frames: %w", err)
	}
	d.logger.Info("capture stopped")
	return nil
}
