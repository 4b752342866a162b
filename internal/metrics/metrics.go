// Package metrics holds the OpenTelemetry instruments recorded by the
// dictation pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/loqa-dictate"

type Metrics struct {
	ChunksEmitted        metric.Int64Counter
	ChunkAudio           metric.Float64Histogram
	ChunksDropped        metric.Int64Counter
	RecognitionLatency   metric.Float64Histogram
	RecognitionFailures  metric.Int64Counter
	RecognitionsInFlight metric.Int64UpDownCounter
	HandlesDiscarded     metric.Int64Counter
	VADFallbacks         metric.Int64Counter
	EmissionFlushes      metric.Int64Counter
	EmissionDrops        metric.Int64Counter
	ActiveSessions       metric.Int64UpDownCounter
	TriggerTransitions   metric.Int64Counter
}

// latencyBuckets are in seconds and sized for chunk-level recognition.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunksEmitted, err = m.Int64Counter("dictation.segmenter.chunks",
		metric.WithDescription("Utterance chunks produced by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.ChunkAudio, err = m.Float64Histogram("dictation.segmenter.chunk.duration",
		metric.WithDescription("Audio duration of emitted chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 3, 5, 10, 30),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("dictation.segmenter.dropped",
		metric.WithDescription("Buffers dropped for being shorter than the minimum chunk."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionLatency, err = m.Float64Histogram("dictation.stt.duration",
		metric.WithDescription("Latency of chunk recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionFailures, err = m.Int64Counter("dictation.stt.failures",
		metric.WithDescription("Chunk recognitions that failed."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionsInFlight, err = m.Int64UpDownCounter("dictation.stt.in_flight",
		metric.WithDescription("Chunk recognitions currently running."),
	); err != nil {
		return nil, err
	}
	if met.HandlesDiscarded, err = m.Int64Counter("dictation.pipeline.discarded",
		metric.WithDescription("Pending recognitions abandoned at session stop."),
	); err != nil {
		return nil, err
	}
	if met.VADFallbacks, err = m.Int64Counter("dictation.vad.fallbacks",
		metric.WithDescription("Frames classified by energy after a detector failure."),
	); err != nil {
		return nil, err
	}
	if met.EmissionFlushes, err = m.Int64Counter("dictation.emit.flushes",
		metric.WithDescription("Text batches delivered to the document sink."),
	); err != nil {
		return nil, err
	}
	if met.EmissionDrops, err = m.Int64Counter("dictation.emit.drops",
		metric.WithDescription("Text batches dropped because the sink was unavailable."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("dictation.active_sessions",
		metric.WithDescription("Number of running dictation sessions."),
	); err != nil {
		return nil, err
	}
	if met.TriggerTransitions, err = m.Int64Counter("dictation.trigger.transitions",
		metric.WithDescription("Trigger state changes by target state."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns instruments backed by a no-op provider.
func Noop() *Metrics {
	met, err := New(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return met
}

func (m *Metrics) ChunkEmitted(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.ChunksEmitted.Add(ctx, 1)
	m.ChunkAudio.Record(ctx, d.Seconds())
}

func (m *Metrics) ChunkDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.ChunksDropped.Add(ctx, 1)
}

func (m *Metrics) RecognitionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.RecognitionsInFlight.Add(ctx, 1)
}

func (m *Metrics) RecognitionFinished(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.RecognitionsInFlight.Add(ctx, -1)
	status := "ok"
	if err != nil {
		status = "error"
		m.RecognitionFailures.Add(ctx, 1)
	}
	m.RecognitionLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) Discarded(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.HandlesDiscarded.Add(ctx, int64(n))
}

func (m *Metrics) VADFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.VADFallbacks.Add(ctx, 1)
}

func (m *Metrics) Flushed(ctx context.Context) {
	if m == nil {
		return
	}
	m.EmissionFlushes.Add(ctx, 1)
}

func (m *Metrics) Dropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.EmissionDrops.Add(ctx, 1)
}

func (m *Metrics) SessionDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

func (m *Metrics) TriggerChanged(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.TriggerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
