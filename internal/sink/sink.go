// Package sink delivers finished dictation text to a document.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

var ErrUnavailable = errors.New("sink: no active document")

type DocumentSink interface {
	Available() bool
	InsertText(ctx context.Context, text string) error
}

// WriterSink appends text to an io.Writer such as stdout or a file.
type WriterSink struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	available atomic.Bool
}

func NewWriterSink(w io.Writer) *WriterSink {
	s := &WriterSink{w: w}
	s.available.Store(true)
	return s
}

// NewFileSink opens path for appending, creating it if needed.
func NewFileSink(path string) (*WriterSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	s := NewWriterSink(f)
	s.closer = f
	return s, nil
}

func (s *WriterSink) Available() bool {
	return s.available.Load()
}

// SetAvailable marks the document as open or closed.
func (s *WriterSink) SetAvailable(v bool) {
	s.available.Store(v)
}

func (s *WriterSink) InsertText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Available() {
		return ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, text); err != nil {
		return fmt.Errorf("write text: %w", err)
	}
	return nil
}

func (s *WriterSink) Close() error {
	s.available.Store(false)
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// BusSink publishes text batches as protocol.DocumentText messages. It is
// available while the bus connection is up.
type BusSink struct {
	client    *bus.Client
	subject   string
	sessionID atomic.Value
}

func NewBusSink(client *bus.Client, subject string) *BusSink {
	if subject == "" {
		subject = protocol.SubjectDocumentText
	}
	s := &BusSink{client: client, subject: subject}
	s.sessionID.Store("")
	return s
}

// SetSession tags subsequent batches with sessionID.
func (s *BusSink) SetSession(sessionID string) {
	s.sessionID.Store(sessionID)
}

func (s *BusSink) Available() bool {
	return s.client.Healthy()
}

func (s *BusSink) InsertText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Available() {
		return ErrUnavailable
	}
	return s.client.PublishJSON(s.subject, protocol.DocumentText{
		SessionID: s.sessionID.Load().(string),
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}
