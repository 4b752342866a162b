package dictation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/emit"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/metrics"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/segmenter"
	"github.com/loqalabs/loqa-dictate/internal/trigger"
)

// Handle is a running dictation session.
type Handle struct {
	ID        string
	Device    string
	StartedAt time.Time

	settings Settings
	events   events.Emitter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	device    capture.Device
	segmenter *segmenter.Segmenter
	pipeline  *pipeline.Pipeline
	batcher   *emit.Batcher
	trigger   *trigger.Machine
	sink      sessionTagger

	chunks     chan segmenter.Chunk
	deviceErr  chan error
	segCancel  context.CancelFunc
	segWG      sync.WaitGroup
	emitCancel context.CancelFunc
	emitDone   chan struct{}
	// drainCtx bounds the full drain after end of stream; an explicit stop
	// cancels it so teardown falls back to the settle timeout.
	drainCtx context.Context
	cutDrain context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
	summary  pipeline.Summary
	err      error
}

type sessionTagger interface {
	SetSession(sessionID string)
}

func newHandle(selector string, deps Deps, settings Settings, device capture.Device, seg *segmenter.Segmenter, logger *slog.Logger) *Handle {
	h := &Handle{
		Device:    selector,
		settings:  settings,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    logger,
		device:    device,
		segmenter: seg,
		chunks:    make(chan segmenter.Chunk, 16),
		deviceErr: make(chan error, 1),
		emitDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.drainCtx, h.cutDrain = context.WithCancel(context.Background())
	if settings.TriggerEnabled {
		h.trigger = trigger.New(settings.Trigger)
	}
	if t, ok := deps.Sink.(sessionTagger); ok {
		h.sink = t
	}
	h.batcher = emit.New(deps.Sink, settings.FlushInterval, emit.Hooks{
		Flushed: func(text string) { h.events.TextReady(h.ID, text) },
		Failed:  func(err error) { h.events.Error(h.ID, err, false) },
	}, logger, deps.Metrics)
	h.pipeline = pipeline.New(settings.Pipeline, deps.Recognizer, pipeline.HandlerFuncs{
		Result: h.onResult,
	}, logger, deps.Metrics)
	return h
}

func (h *Handle) start(ctx context.Context) error {
	// The session lives until StopSession, not until the caller's ctx ends.
	base := context.WithoutCancel(ctx)

	id, err := h.pipeline.Start(base)
	if err != nil {
		return err
	}
	h.ID = id
	h.StartedAt = time.Now().UTC()
	h.logger = h.logger.With(slog.String("session_id", id))
	if h.sink != nil {
		h.sink.SetSession(id)
	}
	if h.trigger != nil {
		h.trigger.OnChange(func(armed bool) {
			h.events.TriggerChanged(id, armed)
			state := trigger.Idle
			if armed {
				state = trigger.Armed
			}
			h.metrics.TriggerChanged(context.Background(), state.String())
		})
	}

	h.events.SessionStarted(id, h.Device)
	h.metrics.SessionDelta(ctx, 1)

	segCtx, segCancel := context.WithCancel(base)
	h.segCancel = segCancel
	h.segWG.Add(2)
	go func() {
		defer h.segWG.Done()
		h.segmenter.Run(segCtx, h.chunks)
	}()
	go func() {
		defer h.segWG.Done()
		h.submitLoop(segCtx)
	}()

	emitCtx, emitCancel := context.WithCancel(base)
	h.emitCancel = emitCancel
	go func() {
		defer close(h.emitDone)
		h.batcher.Run(emitCtx)
	}()

	if err := h.device.Start(base, h.segmenter.AddSamples, h.onDeviceError); err != nil {
		h.logger.Error("capture device failed to start", slog.String("error", err.Error()))
		h.stop(context.Background(), err)
		return err
	}
	go h.watch()

	h.logger.Info("dictation session started", slog.String("device", h.Device))
	return nil
}

func (h *Handle) submitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-h.chunks:
			h.submit(chunk)
		}
	}
}

func (h *Handle) submit(chunk segmenter.Chunk) {
	if err := h.pipeline.Submit(chunk); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		h.logger.Warn("failed to submit chunk", slog.Uint64("sequence", chunk.Sequence), slog.String("error", err.Error()))
	}
}

func (h *Handle) onDeviceError(err error) {
	select {
	case h.deviceErr <- err:
	default:
	}
}

// onResult runs on the pipeline's drain goroutine, which is the only caller
// of the reconciler and the trigger machine.
func (h *Handle) onResult(o pipeline.Outcome, emitted string) {
	for _, seg := range o.Segments {
		h.events.Segment(h.ID, o.Sequence, seg.Text, o.Offset+seg.Start, o.Offset+seg.End)
	}
	if h.trigger == nil {
		h.batcher.Add(emitted)
		return
	}
	if d := h.trigger.Observe(o.Text()); d.Forward {
		h.batcher.Add(emitted)
	}
}

// watch turns pipeline failures and device errors into a session stop.
func (h *Handle) watch() {
	select {
	case <-h.done:
	case <-h.pipeline.Done():
		h.stop(context.Background(), h.pipeline.Err())
	case err := <-h.deviceErr:
		if errors.Is(err, io.EOF) {
			h.logger.Info("capture stream ended")
			h.stopOnce.Do(func() { h.teardown(context.Background(), nil, true) })
			return
		}
		h.stop(context.Background(), err)
	}
}

// stop runs the teardown exactly once. A non-nil cause marks the stop as fatal.
// A stop arriving while an end-of-stream drain is running cuts that drain short.
func (h *Handle) stop(ctx context.Context, cause error) {
	h.cutDrain()
	h.stopOnce.Do(func() { h.teardown(ctx, cause, false) })
}

// teardown releases the session. With drainAll set every submitted chunk is
// delivered before the pipeline stops; otherwise the settle timeout applies.
func (h *Handle) teardown(ctx context.Context, cause error, drainAll bool) {
	defer close(h.done)
	defer h.cutDrain()

	if err := h.device.Stop(); err != nil {
		h.logger.Warn("failed to stop capture device", slog.String("error", err.Error()))
	}

	h.segCancel()
	h.segWG.Wait()
drain:
	for {
		select {
		case chunk := <-h.chunks:
			h.submit(chunk)
		default:
			break drain
		}
	}
	for _, chunk := range h.segmenter.Flush() {
		h.submit(chunk)
	}
	if drainAll {
		if err := h.pipeline.Drain(h.drainCtx); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
			h.logger.Info("drain interrupted", slog.Int("pending", h.pipeline.Pending()))
		}
	}

	summary, err := h.pipeline.Stop(ctx)
	if err != nil {
		h.logger.Warn("pipeline stop failed", slog.String("error", err.Error()))
	}
	// The error limit can also be reached while draining after end of stream.
	if cause == nil && summary.Err != nil {
		cause = summary.Err
	}

	h.emitCancel()
	<-h.emitDone
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.settings.Pipeline.SettleTimeout+time.Second)
	_ = h.batcher.Close(flushCtx)
	cancel()

	if h.trigger != nil {
		h.trigger.Reset()
	}
	if cause != nil {
		h.logger.Error("dictation session failed", slog.String("error", cause.Error()))
		h.events.Error(h.ID, cause, true)
	}

	h.summary = summary
	h.err = cause
	h.events.SessionStopped(h.ID, summary.Transcript)
	h.metrics.SessionDelta(context.Background(), -1)
	h.logger.Info("dictation session stopped",
		slog.Int("delivered", summary.Delivered),
		slog.Int("failed", summary.Failed),
		slog.Int("discarded", summary.Discarded),
	)
}

// Done is closed once the session has been torn down.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports the fatal cause of a stopped session, if any.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Transcript returns the cumulative transcript, final once Done is closed.
func (h *Handle) Transcript() string {
	select {
	case <-h.done:
		return h.summary.Transcript
	default:
		return h.pipeline.Transcript()
	}
}

// Summary returns the pipeline summary of a stopped session.
func (h *Handle) Summary() (pipeline.Summary, bool) {
	select {
	case <-h.done:
		return h.summary, true
	default:
		return pipeline.Summary{}, false
	}
}
