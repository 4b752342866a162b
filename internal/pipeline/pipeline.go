// Package pipeline recognises utterance chunks concurrently and delivers the
// results strictly in submission order.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/metrics"
	"github.com/loqalabs/loqa-dictate/internal/reconcile"
	"github.com/loqalabs/loqa-dictate/internal/segmenter"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-dictate/internal/pipeline")

var (
	ErrNotRunning = errors.New("pipeline: session not running")
	ErrErrorLimit = errors.New("pipeline: consecutive recognition error limit reached")
)

type Config struct {
	Format        audio.Format
	Language      string
	ErrorLimit    int
	MaxConcurrent int
	SettleTimeout time.Duration
	PollInterval  time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Format: audio.Format{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
			BitDepth:   cfg.Capture.BitDepth,
		},
		Language:      cfg.STT.Language,
		ErrorLimit:    cfg.Pipeline.ErrorLimit,
		MaxConcurrent: cfg.STT.MaxConcurrent,
		SettleTimeout: config.Millis(cfg.Pipeline.SettleTimeoutMS),
		PollInterval:  config.Millis(cfg.Pipeline.PollIntervalMS),
	}
}

// Outcome is the recognition result of one chunk.
type Outcome struct {
	SessionID string
	Sequence  uint64
	Offset    time.Duration
	Duration  time.Duration
	Segments  []stt.Segment
	Err       error
}

func (o Outcome) Text() string {
	return stt.JoinText(o.Segments)
}

// Handler receives drained outcomes. Both methods are called from a single
// goroutine in submission order.
type Handler interface {
	// OnResult receives a successful outcome and the reconciled text it added.
	OnResult(outcome Outcome, emitted string)
	// OnError receives a failed outcome and the current consecutive failure count.
	OnError(outcome Outcome, consecutive int)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Result func(Outcome, string)
	Error  func(Outcome, int)
}

func (h HandlerFuncs) OnResult(o Outcome, emitted string) {
	if h.Result != nil {
		h.Result(o, emitted)
	}
}

func (h HandlerFuncs) OnError(o Outcome, consecutive int) {
	if h.Error != nil {
		h.Error(o, consecutive)
	}
}

// Summary describes a finished session.
type Summary struct {
	SessionID  string
	Transcript string
	Delivered  int
	Failed     int
	Discarded  int
	Err        error
}

// session is the transcription session owned by the pipeline.
type session struct {
	id         string
	transcript strings.Builder
	errors     int
	delivered  int
	failed     int
	reconciler reconcile.Reconciler
}

type handle struct {
	chunk    segmenter.Chunk
	done     chan struct{}
	segments []stt.Segment
	err      error
	started  time.Time
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateFinished
)

type Pipeline struct {
	cfg        Config
	recognizer stt.Recognizer
	handler    Handler
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   state
	session *session
	handles *queue[*handle]
	summary Summary

	wake       chan struct{}
	drainDone  chan struct{}
	done       chan struct{}
	finishOnce sync.Once
}

func New(cfg Config, recognizer stt.Recognizer, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		recognizer: recognizer,
		handler:    handler,
		logger:     logger.With(slog.String("component", "pipeline")),
		metrics:    m,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		handles:    newQueue[*handle](),
		wake:       make(chan struct{}, 1),
		drainDone:  make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start opens a session with a fresh identifier and begins draining.
func (p *Pipeline) Start(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateIdle {
		return "", errors.New("pipeline: already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.session = &session{id: uuid.NewString()}
	p.state = stateRunning
	go p.drain()
	p.logger.Info("session started", slog.String("session_id", p.session.id))
	return p.session.id, nil
}

func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.id
}

// Submit queues chunk for recognition.
func (p *Pipeline) Submit(chunk segmenter.Chunk) error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return ErrNotRunning
	}
	h := &handle{chunk: chunk, done: make(chan struct{})}
	p.handles.Enqueue(h)
	sessionID := p.session.id
	ctx := p.ctx
	p.mu.Unlock()

	go p.recognize(ctx, sessionID, h)
	p.signal()
	return nil
}

// Pending reports the number of handles not yet drained.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles.Len()
}

// Transcript returns the cumulative transcript so far.
func (p *Pipeline) Transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.transcript.String()
}

// Done is closed once the session has finished, either through Stop or after
// reaching the consecutive error limit.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err reports why the session finished on its own, if it did.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary.Err
}

// Drain stops accepting chunks and waits until every submitted chunk has been
// delivered or the session finished on its own. No settle timeout applies;
// ctx bounds the wait. Call Stop afterwards to close the session.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case stateIdle:
		p.mu.Unlock()
		return ErrNotRunning
	case stateRunning:
		p.state = stateStopping
	}
	p.mu.Unlock()
	p.signal()

	select {
	case <-p.drainDone:
		return nil
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting chunks and lets the drain loop deliver results that
// settle within the settle timeout. Anything still pending afterwards is
// cancelled and discarded. Stop is idempotent.
func (p *Pipeline) Stop(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	switch p.state {
	case stateIdle:
		p.mu.Unlock()
		return Summary{}, ErrNotRunning
	case stateRunning:
		p.state = stateStopping
	}
	p.mu.Unlock()
	p.signal()

	timer := time.NewTimer(p.cfg.SettleTimeout)
	defer timer.Stop()
	select {
	case <-p.drainDone:
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("settle timeout elapsed; abandoning pending recognitions",
			slog.Int("pending", p.Pending()))
	case <-ctx.Done():
	}

	p.cancel()
	<-p.drainDone
	p.finish(nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary, nil
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) recognize(ctx context.Context, sessionID string, h *handle) {
	defer close(h.done)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		h.err = err
		return
	}
	defer p.sem.Release(1)

	ctx, span := tracer.Start(ctx, "pipeline.recognize")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int64("chunk.sequence", int64(h.chunk.Sequence)),
		attribute.Int64("chunk.duration_ms", h.chunk.Duration.Milliseconds()),
	)

	h.started = time.Now()
	p.metrics.RecognitionStarted(ctx)
	h.segments, h.err = stt.Collect(ctx, p.recognizer, stt.Request{
		SessionID: sessionID,
		Sequence:  h.chunk.Sequence,
		PCM:       h.chunk.PCM,
		Format:    p.cfg.Format,
		Language:  p.cfg.Language,
	})
	p.metrics.RecognitionFinished(context.Background(), time.Since(h.started), h.err)
	if h.err != nil {
		span.RecordError(h.err)
		span.SetStatus(codes.Error, h.err.Error())
	}
}

func (p *Pipeline) drain() {
	defer close(p.drainDone)
	idle := time.NewTimer(p.cfg.PollInterval)
	defer idle.Stop()

	for {
		p.mu.Lock()
		h, ok := p.handles.Peek()
		stopping := p.state != stateRunning
		p.mu.Unlock()

		if !ok {
			if stopping {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.PollInterval)
			select {
			case <-p.ctx.Done():
				p.abandon()
				return
			case <-p.wake:
			case <-idle.C:
			}
			continue
		}

		select {
		case <-h.done:
		case <-p.ctx.Done():
		}
		// A handle that settles because of cancellation is discarded.
		if p.ctx.Err() != nil {
			p.abandon()
			return
		}

		if !p.deliver(h) {
			return
		}
	}
}

// deliver hands one settled handle to the handler. It returns false when the
// session has been stopped by the error limit.
func (p *Pipeline) deliver(h *handle) bool {
	p.mu.Lock()
	p.handles.Dequeue()
	s := p.session
	outcome := Outcome{
		SessionID: s.id,
		Sequence:  h.chunk.Sequence,
		Offset:    h.chunk.Offset,
		Duration:  h.chunk.Duration,
		Segments:  h.segments,
		Err:       h.err,
	}

	if h.err != nil {
		s.errors++
		s.failed++
		consecutive := s.errors
		p.mu.Unlock()

		p.logger.Warn("chunk recognition failed",
			slog.Uint64("sequence", h.chunk.Sequence),
			slog.Int("consecutive", consecutive),
			slogError(h.err),
		)
		p.handler.OnError(outcome, consecutive)
		if consecutive >= p.cfg.ErrorLimit {
			p.logger.Error("error limit reached; stopping session",
				slog.String("session_id", s.id),
				slog.Int("limit", p.cfg.ErrorLimit),
			)
			p.finish(ErrErrorLimit)
			return false
		}
		return true
	}

	emitted := s.reconciler.Next(outcome.Text())
	appendText(&s.transcript, emitted)
	s.errors = 0
	s.delivered++
	p.mu.Unlock()

	p.handler.OnResult(outcome, emitted)
	return true
}

// abandon finishes a session whose parent context ended while it was still
// accepting chunks.
func (p *Pipeline) abandon() {
	p.mu.Lock()
	running := p.state == stateRunning
	p.mu.Unlock()
	if running {
		p.finish(context.Cause(p.ctx))
	}
}

// finish runs once, after the drain loop has stopped or from within it.
func (p *Pipeline) finish(cause error) {
	p.finishOnce.Do(func() {
		p.cancel()

		p.mu.Lock()
		discarded := p.handles.Len()
		p.handles = newQueue[*handle]()
		p.state = stateFinished
		s := p.session
		p.summary = Summary{
			SessionID:  s.id,
			Transcript: s.transcript.String(),
			Delivered:  s.delivered,
			Failed:     s.failed,
			Discarded:  discarded,
			Err:        cause,
		}
		p.mu.Unlock()

		p.metrics.Discarded(context.Background(), discarded)
		p.logger.Info("session finished",
			slog.String("session_id", s.id),
			slog.Int("delivered", s.delivered),
			slog.Int("failed", s.failed),
			slog.Int("discarded", discarded),
		)
		close(p.done)
	})
}

func appendText(b *strings.Builder, text string) {
	if text == "" {
		return
	}
	if b.Len() > 0 && !startsWithSpace(text) && !endsWithSpace(b.String()) {
		b.WriteByte(' ')
	}
	b.WriteString(text)
}

func startsWithSpace(s string) bool {
	return s != "" && (s[0] == ' ' || s[0] == '\n' || s[0] == '\t')
}

func endsWithSpace(s string) bool {
	return s != "" && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n' || s[len(s)-1] == '\t')
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
