package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/metrics"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	settings dictation.Settings

	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	telemetryClose func(context.Context) error

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	hub        *events.Hub
	dictation  *dictation.Service
	closeSink  func() error
	closeModel func() error

	ready atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		settings: dictation.SettingsFromConfig(cfg),
	}
}

// Start builds every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if r.metricsServer != nil {
			_ = r.metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if r.cfg.Capture.AutoStart {
		r.autoStart(gctx)
	}
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = g.Wait()
	r.shutdown()
	return err
}

func (r *Runtime) build(ctx context.Context) error {
	m, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if r.nats != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	if busCfg.Enabled {
		r.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.hub = events.NewHub()
	if err := eventstore.NewRecorder(r.store, r.logger).Attach(r.hub); err != nil {
		return fmt.Errorf("attach event recorder: %w", err)
	}
	if r.bus != nil {
		if err := bus.NewPublisher(r.bus).Attach(r.hub); err != nil {
			return fmt.Errorf("attach event publisher: %w", err)
		}
	}

	recognizer, closeModel, err := NewRecognizer(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("init recognizer: %w", err)
	}
	r.closeModel = closeModel

	docSink, closeSink, err := NewSink(r.cfg.Sink, r.bus, os.Stdout)
	if err != nil {
		return fmt.Errorf("init sink: %w", err)
	}
	r.closeSink = closeSink

	r.dictation, err = dictation.NewService(dictation.Deps{
		Recognizer: recognizer,
		Sink:       docSink,
		Events:     r.hub,
		Bus:        r.bus,
		Metrics:    m,
	}, r.logger)
	return err
}

func (r *Runtime) autoStart(ctx context.Context) {
	h, err := r.dictation.StartSession(ctx, r.cfg.Capture.Device, r.settings)
	if err != nil {
		r.logger.Error("auto start failed",
			slog.String("device", r.cfg.Capture.Device),
			slog.String("error", err.Error()))
		return
	}
	r.logger.Info("auto started dictation session",
		slog.String("session_id", h.ID),
		slog.String("device", h.Device))
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown releases components in reverse build order. It tolerates a
// partially built runtime.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.dictation != nil {
		if err := r.dictation.Close(ctx); err != nil {
			r.logger.Error("dictation shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.hub != nil {
		r.hub.Wait()
	}
	if r.closeSink != nil {
		if err := r.closeSink(); err != nil {
			r.logger.Warn("sink close error", slog.String("error", err.Error()))
		}
	}
	if r.closeModel != nil {
		if err := r.closeModel(); err != nil {
			r.logger.Warn("recognizer close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
