package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu   sync.Mutex
	data bytes.Buffer
	errs chan error
}

func newCollector() *collector {
	return &collector{errs: make(chan error, 4)}
}

func (c *collector) onData(p []byte) {
	c.mu.Lock()
	c.data.Write(p)
	c.mu.Unlock()
}

func (c *collector) onError(err error) {
	c.errs <- err
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.data.Bytes()...)
}

func writeWAV(t *testing.T, pcm []byte, f audio.Format) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := audio.WriteWAV(file, pcm, f); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenSelectors(t *testing.T) {
	opts := Options{Format: audio.DefaultFormat, Logger: newLogger()}
	if _, err := Open("file:/tmp/x.wav", opts); err != nil {
		t.Fatalf("file selector: %v", err)
	}
	for _, selector := range []string{"", "mic", "alsa:hw0", "file:", "bus:desk"} {
		if _, err := Open(selector, opts); !errors.Is(err, ErrUnknownDevice) {
			t.Fatalf("expected ErrUnknownDevice for %q, got %v", selector, err)
		}
	}
}

func TestFileDeviceReplaysWholeFile(t *testing.T) {
	pcm := make([]byte, 32000+100)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}
	path := writeWAV(t, pcm, audio.DefaultFormat)

	dev := NewFileDevice(path, audio.DefaultFormat, false, newLogger())
	c := newCollector()
	if err := dev.Start(context.Background(), c.onData, c.onError); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-c.errs:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for end of file")
	}
	if err := dev.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !bytes.Equal(c.bytes(), pcm) {
		t.Fatalf("replayed pcm differs from file contents")
	}
}

func TestFileDeviceFormatMismatch(t *testing.T) {
	path := writeWAV(t, make([]byte, 640), audio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16})
	dev := NewFileDevice(path, audio.DefaultFormat, false, newLogger())
	err := dev.Start(context.Background(), func([]byte) {}, func(error) {})
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected ErrFormatMismatch, got %v", err)
	}
}

func TestFileDeviceStopInterruptsRealtimeReplay(t *testing.T) {
	path := writeWAV(t, make([]byte, 32000*10), audio.DefaultFormat)
	dev := NewFileDevice(path, audio.DefaultFormat, true, newLogger())
	c := newCollector()
	if err := dev.Start(context.Background(), c.onData, c.onError); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := dev.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := len(c.bytes()); n == 0 || n >= 32000*10 {
		t.Fatalf("expected a partial replay, got %d bytes", n)
	}
	select {
	case err := <-c.errs:
		t.Fatalf("expected no end-of-stream after stop, got %v", err)
	default:
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusDevice(t *testing.T) {
	client := startBus(t)
	dev, err := Open("bus:desk", Options{Format: audio.DefaultFormat, Bus: client, Logger: newLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c := newCollector()
	if err := dev.Start(context.Background(), c.onData, c.onError); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer dev.Stop()

	subject := protocol.AudioFrameSubject("desk")
	frames := []protocol.AudioFrame{
		{DeviceID: "desk", Sequence: 1, SampleRate: 16000, Channels: 1, PCM: []byte{1, 2, 3, 4}},
		{DeviceID: "desk", Sequence: 2, SampleRate: 16000, Channels: 1, PCM: []byte{5, 6}, Final: true},
	}
	for _, f := range frames {
		if err := client.PublishJSON(subject, f); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case err := <-c.errs:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF on final frame, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final frame")
	}
	if !bytes.Equal(c.bytes(), []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("unexpected pcm %v", c.bytes())
	}
}

func TestBusDeviceRejectsFormatMismatch(t *testing.T) {
	client := startBus(t)
	dev := NewBusDevice(client, "desk", audio.DefaultFormat, newLogger())
	c := newCollector()
	if err := dev.Start(context.Background(), c.onData, c.onError); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer dev.Stop()

	frame := protocol.AudioFrame{DeviceID: "desk", SampleRate: 48000, Channels: 2, PCM: []byte{1, 2}}
	if err := client.PublishJSON(protocol.AudioFrameSubject("desk"), frame); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-c.errs:
		if !errors.Is(err, ErrFormatMismatch) {
			t.Fatalf("expected ErrFormatMismatch, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mismatch")
	}
	if len(c.bytes()) != 0 {
		t.Fatalf("expected mismatched frame to be dropped")
	}
}
