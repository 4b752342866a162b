package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/events"
)

// Recorder persists hub events into the store.
type Recorder struct {
	store   *Store
	log     *slog.Logger
	timeout time.Duration
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		log:     log.With(slog.String("component", "eventstore")),
		timeout: 5 * time.Second,
	}
}

// Attach subscribes the recorder to every event on hub.
func (r *Recorder) Attach(hub *events.Hub) error {
	return hub.OnAny(r.Record)
}

func (r *Recorder) Record(e events.Event) {
	if e.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	switch e.Kind {
	case events.KindSessionStarted:
		if err := r.store.StartSession(ctx, e.SessionID, e.Device); err != nil {
			r.log.Warn("failed to record session start", slog.String("session_id", e.SessionID), slogError(err))
			return
		}
	case events.KindSessionStopped:
		if err := r.store.FinishSession(ctx, e.SessionID, e.Transcript); err != nil {
			r.log.Warn("failed to record session stop", slog.String("session_id", e.SessionID), slogError(err))
		}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		r.log.Warn("failed to marshal event", slogError(err))
		return
	}
	err = r.store.AppendEvent(ctx, Event{
		SessionID: e.SessionID,
		Type:      string(e.Kind),
		Payload:   payload,
		CreatedAt: e.Time,
	})
	if err != nil {
		r.log.Warn("failed to record event",
			slog.String("session_id", e.SessionID),
			slog.String("kind", string(e.Kind)),
			slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
