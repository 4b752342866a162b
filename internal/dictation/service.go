// Package dictation runs dictation sessions: it wires a capture device through
// segmentation, ordered recognition, reconciliation and the trigger gate into
// the emission batcher and document sink.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/metrics"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/segmenter"
	"github.com/loqalabs/loqa-dictate/internal/sink"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/trigger"
	"github.com/loqalabs/loqa-dictate/internal/vad"
)

var (
	ErrSessionNotFound = errors.New("dictation: session not found")
	ErrClosed          = errors.New("dictation: service closed")
)

// Settings are the per-session parameters. Every component receives its
// slice of Settings at construction.
type Settings struct {
	Format         audio.Format
	Realtime       bool
	VAD            config.VADConfig
	Segmenter      segmenter.Config
	Pipeline       pipeline.Config
	TriggerEnabled bool
	Trigger        trigger.Config
	FlushInterval  time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	seg := segmenter.ConfigFrom(cfg)
	return Settings{
		Format:         seg.Format,
		Realtime:       cfg.Capture.Realtime,
		VAD:            cfg.VAD,
		Segmenter:      seg,
		Pipeline:       pipeline.ConfigFrom(cfg),
		TriggerEnabled: cfg.Trigger.Enabled,
		Trigger:        trigger.ConfigFrom(cfg.Trigger),
		FlushInterval:  config.Millis(cfg.Emission.FlushIntervalMS),
	}
}

// DeviceOpener resolves a device selector; capture.Open by default.
type DeviceOpener func(selector string, opts capture.Options) (capture.Device, error)

// Deps are the collaborators shared by every session of a Service.
type Deps struct {
	Recognizer stt.Recognizer
	Sink       sink.DocumentSink
	Events     events.Emitter
	Bus        *bus.Client
	Metrics    *metrics.Metrics
	OpenDevice DeviceOpener
}

type Service struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Handle
	closed   bool
}

func NewService(deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Recognizer == nil {
		return nil, errors.New("dictation: recognizer is required")
	}
	if deps.Events == nil {
		deps.Events = nopEmitter{}
	}
	if deps.OpenDevice == nil {
		deps.OpenDevice = capture.Open
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		logger:   logger.With(slog.String("component", "dictation")),
		sessions: make(map[string]*Handle),
	}, nil
}

// StartSession opens the device named by selector and starts a session. The
// session outlives ctx; stop it with StopSession.
func (s *Service) StartSession(ctx context.Context, selector string, settings Settings) (*Handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, err := s.deps.OpenDevice(selector, capture.Options{
		Format:   settings.Format,
		Bus:      s.deps.Bus,
		Realtime: settings.Realtime,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	detector, err := vad.NewDetector(settings.VAD, settings.Format)
	if err != nil {
		return nil, fmt.Errorf("voice activity detector: %w", err)
	}
	classifier := vad.NewClassifier(detector, settings.VAD.EnergyThreshold, s.logger, s.deps.Metrics)
	seg, err := segmenter.New(settings.Segmenter, classifier, s.logger, s.deps.Metrics)
	if err != nil {
		return nil, err
	}

	h := newHandle(selector, s.deps, settings, device, seg, s.logger)
	if err := h.start(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[h.ID] = h
	s.mu.Unlock()
	go func() {
		<-h.Done()
		s.mu.Lock()
		delete(s.sessions, h.ID)
		s.mu.Unlock()
	}()
	return h, nil
}

// StopSession stops h and waits for its teardown. It is idempotent and safe
// on sessions that already stopped on their own.
func (s *Service) StopSession(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.stop(ctx, nil)
	return nil
}

// Session looks up an active session by id.
func (s *Service) Session(id string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return h, nil
}

// Sessions lists active sessions, oldest first.
func (s *Service) Sessions() []*Handle {
	s.mu.Lock()
	list := make([]*Handle, 0, len(s.sessions))
	for _, h := range s.sessions {
		list = append(list, h)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list
}

// Close stops every active session and rejects new ones.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range s.Sessions() {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = s.StopSession(ctx, h)
		}(h)
	}
	wg.Wait()
	return nil
}

type nopEmitter struct{}

func (nopEmitter) TextReady(string, string)                                     {}
func (nopEmitter) Segment(string, uint64, string, time.Duration, time.Duration) {}
func (nopEmitter) SessionStarted(string, string)                                {}
func (nopEmitter) SessionStopped(string, string)                                {}
func (nopEmitter) Error(string, error, bool)                                    {}
func (nopEmitter) TriggerChanged(string, bool)                                  {}

var _ events.Emitter = nopEmitter{}
