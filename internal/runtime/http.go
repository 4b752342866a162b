package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
)

type startRequest struct {
	Device string `json:"device"`
}

type sessionView struct {
	ID         string     `json:"id"`
	Device     string     `json:"device"`
	Active     bool       `json:"active"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Transcript string     `json:"transcript"`
	Error      string     `json:"error,omitempty"`
}

func viewOf(h *dictation.Handle) sessionView {
	v := sessionView{
		ID:         h.ID,
		Device:     h.Device,
		Active:     true,
		StartedAt:  h.StartedAt,
		Transcript: h.Transcript(),
	}
	select {
	case <-h.Done():
		v.Active = false
		if err := h.Err(); err != nil {
			v.Error = err.Error()
		}
	default:
	}
	return v
}

func storedView(s eventstore.Session) sessionView {
	v := sessionView{
		ID:         s.ID,
		Device:     s.Device,
		StartedAt:  s.CreatedAt,
		Transcript: s.Transcript,
	}
	if !s.StoppedAt.IsZero() {
		stopped := s.StoppedAt
		v.StoppedAt = &stopped
	}
	return v
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}
	mux.HandleFunc("POST /v1/sessions", r.handleStartSession)
	mux.HandleFunc("GET /v1/sessions", r.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", r.handleStopSession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/history", r.handleSessionHistory)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStartSession(w http.ResponseWriter, req *http.Request) {
	var body startRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	device := body.Device
	if device == "" {
		device = r.cfg.Capture.Device
	}
	if device == "" {
		writeError(w, http.StatusBadRequest, errors.New("device is required"))
		return
	}

	h, err := r.dictation.StartSession(req.Context(), device, r.settings)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, viewOf(h))
	case errors.Is(err, capture.ErrUnknownDevice), errors.Is(err, capture.ErrFormatMismatch):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dictation.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		r.logger.Error("failed to start session", slog.String("device", device), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (r *Runtime) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	handles := r.dictation.Sessions()
	views := make([]sessionView, 0, len(handles))
	for _, h := range handles {
		views = append(views, viewOf(h))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Runtime) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if h, err := r.dictation.Session(id); err == nil {
		writeJSON(w, http.StatusOK, viewOf(h))
		return
	}
	if r.store != nil {
		if s, err := r.store.GetSession(req.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, storedView(s))
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", dictation.ErrSessionNotFound, id))
}

func (r *Runtime) handleStopSession(w http.ResponseWriter, req *http.Request) {
	h, err := r.dictation.Session(req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := r.dictation.StopSession(req.Context(), h); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(h))
}

// handleSessionEvents streams live events for one session as server-sent
// events until the session stops or the client goes away.
func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	h, err := r.dictation.Session(req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	r.streamSession(w, flusher, req, h)
}

// streamSession writes events for h until SessionStopped is sent, the client
// leaves, or h is torn down. A session that stops before the stream is
// subscribed still ends the response.
func (r *Runtime) streamSession(w http.ResponseWriter, flusher http.Flusher, req *http.Request, h *dictation.Handle) {
	stream, cancel := r.hub.Stream(h.ID, 64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := h.Done()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-done:
			// SessionStopped is published before Done closes; let the hub
			// deliver it, then send whatever the stream holds.
			r.hub.Wait()
			for {
				select {
				case e, ok := <-stream:
					if !ok || !writeEvent(w, flusher, e) || e.Kind == events.KindSessionStopped {
						return
					}
				default:
					return
				}
			}
		case e, ok := <-stream:
			if !ok || !writeEvent(w, flusher, e) || e.Kind == events.KindSessionStopped {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, e events.Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func (r *Runtime) handleSessionHistory(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeJSON(w, http.StatusOK, []json.RawMessage{})
		return
	}
	recorded, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]json.RawMessage, 0, len(recorded))
	for _, e := range recorded {
		out = append(out, json.RawMessage(e.Payload))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
