// Package emit coalesces reconciled text and hands it to the document sink
// on a fixed interval.
package emit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/metrics"
	"github.com/loqalabs/loqa-dictate/internal/sink"
)

// Hooks observe flush results. Nil fields are ignored.
type Hooks struct {
	// Flushed receives the trimmed text after the sink accepted it.
	Flushed func(text string)
	// Failed receives the error for a batch that was dropped.
	Failed func(err error)
}

type Batcher struct {
	sink     sink.DocumentSink
	interval time.Duration
	hooks    Hooks
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu  sync.Mutex
	buf strings.Builder

	// flushMu keeps sink calls in accumulation order.
	flushMu sync.Mutex
}

func New(s sink.DocumentSink, interval time.Duration, hooks Hooks, logger *slog.Logger, m *metrics.Metrics) *Batcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		sink:     s,
		interval: interval,
		hooks:    hooks,
		logger:   logger.With(slog.String("component", "emit")),
		metrics:  m,
	}
}

// Add appends text to the pending batch.
func (b *Batcher) Add(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 0 && !strings.HasPrefix(text, " ") && !strings.HasSuffix(b.buf.String(), " ") {
		b.buf.WriteByte(' ')
	}
	b.buf.WriteString(text)
}

// Pending returns the text waiting for the next flush.
func (b *Batcher) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Run flushes every interval until ctx is done.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.Flush(ctx)
		}
	}
}

// Flush hands the pending batch to the sink. A batch the sink cannot take is
// dropped and reported, never re-queued.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	text := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	b.mu.Unlock()

	if text == "" {
		return nil
	}
	if b.sink == nil || !b.sink.Available() {
		return b.drop(ctx, text, sink.ErrUnavailable)
	}
	if err := b.sink.InsertText(ctx, text+" "); err != nil {
		return b.drop(ctx, text, err)
	}
	b.metrics.Flushed(ctx)
	if b.hooks.Flushed != nil {
		b.hooks.Flushed(text)
	}
	return nil
}

// Close performs the final synchronous flush.
func (b *Batcher) Close(ctx context.Context) error {
	return b.Flush(ctx)
}

func (b *Batcher) drop(ctx context.Context, text string, cause error) error {
	err := fmt.Errorf("dropped %d bytes of text: %w", len(text), cause)
	b.logger.Warn("text batch dropped", slog.String("error", err.Error()))
	b.metrics.Dropped(ctx)
	if b.hooks.Failed != nil {
		b.hooks.Failed(err)
	}
	return err
}
