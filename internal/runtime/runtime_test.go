package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/sink"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// idleDevice produces nothing until stopped.
type idleDevice struct{}

func (idleDevice) Start(context.Context, func([]byte), func(error)) error { return nil }
func (idleDevice) Stop() error                                            { return nil }

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.EventStore.RetentionMode = "session"

	r := New(cfg, newLogger())
	store, err := eventstore.Open(context.Background(), cfg.EventStore, r.logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r.store = store
	r.hub = events.NewHub()
	if err := eventstore.NewRecorder(store, r.logger).Attach(r.hub); err != nil {
		t.Fatalf("attach recorder: %v", err)
	}
	r.dictation, err = dictation.NewService(dictation.Deps{
		Recognizer: stt.NewMockRecognizer(),
		Sink:       sink.NewWriterSink(io.Discard),
		Events:     r.hub,
		OpenDevice: func(selector string, opts capture.Options) (capture.Device, error) {
			if !strings.HasPrefix(selector, "test:") {
				return capture.Open(selector, opts)
			}
			return idleDevice{}, nil
		},
	}, r.logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	srv := httptest.NewServer(r.routes())
	t.Cleanup(func() {
		srv.Close()
		_ = r.dictation.Close(context.Background())
		r.hub.Wait()
		_ = store.Close()
	})
	return r, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealthAndReadiness(t *testing.T) {
	r, srv := newTestRuntime(t)

	if resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/readyz", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 before start, got %d", resp.StatusCode)
	}
	r.ready.Store(true)
	if resp, _ := do(t, http.MethodGet, srv.URL+"/readyz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", resp.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	r, srv := newTestRuntime(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/sessions", `{"device":"test:mic"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var started sessionView
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.ID == "" || !started.Active || started.Device != "test:mic" {
		t.Fatalf("unexpected session %+v", started)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions", "")
	var list []sessionView
	if err := json.Unmarshal(body, &list); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list sessions: %d %v", resp.StatusCode, err)
	}
	if len(list) != 1 || list[0].ID != started.ID {
		t.Fatalf("expected the started session to be listed, got %+v", list)
	}

	resp, body = do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+started.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on stop, got %d: %s", resp.StatusCode, body)
	}
	var stopped sessionView
	if err := json.Unmarshal(body, &stopped); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stopped.Active {
		t.Fatalf("expected stopped session to be inactive")
	}

	r.hub.Wait()
	deadline := time.Now().Add(2 * time.Second)
	for len(r.dictation.Sessions()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected session to leave the active set")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+started.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected stored session, got %d: %s", resp.StatusCode, body)
	}
	var stored sessionView
	if err := json.Unmarshal(body, &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.StoppedAt == nil {
		t.Fatalf("expected stored session to carry a stop time, got %+v", stored)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+started.ID+"/history", "")
	var history []events.Event
	if err := json.Unmarshal(body, &history); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %v", resp.StatusCode, err)
	}
	if len(history) < 2 || history[0].Kind != events.KindSessionStarted || history[len(history)-1].Kind != events.KindSessionStopped {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestStartSessionErrors(t *testing.T) {
	_, srv := newTestRuntime(t)

	if resp, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a device, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions", `{"device":"alsa:hw0"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown device, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions", `{"device":`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodDelete, srv.URL+"/v1/sessions/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/sessions/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestSessionEventStream(t *testing.T) {
	r, srv := newTestRuntime(t)

	_, body := do(t, http.MethodPost, srv.URL+"/v1/sessions", `{"device":"test:mic"}`)
	var started sessionView
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, err := http.Get(srv.URL + "/v1/sessions/" + started.ID + "/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	h, err := r.dictation.Session(started.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	go func() { _ = r.dictation.StopSession(context.Background(), h) }()

	scanner := bufio.NewScanner(resp.Body)
	sawStop := false
	for scanner.Scan() {
		if scanner.Text() == "event: "+string(events.KindSessionStopped) {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatal("expected a session_stopped event before the stream closed")
	}
}

func TestEventStreamEndsForSessionStoppedBeforeSubscribe(t *testing.T) {
	r, _ := newTestRuntime(t)

	h, err := r.dictation.StartSession(context.Background(), "test:mic", r.settings)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := r.dictation.StopSession(context.Background(), h); err != nil {
		t.Fatalf("stop session: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+h.ID+"/events", nil)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		r.streamSession(rec, rec, req, h)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("stream stayed open for a stopped session")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestResourceAttributesDescribeRecognition(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "exec"
	cfg.STT.Language = ""
	cfg.Trigger.Enabled = true

	got := map[string]string{}
	for _, kv := range resourceAttributes(cfg) {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":              cfg.RuntimeName,
		"dictation.stt.mode":        "exec",
		"dictation.stt.language":    "auto",
		"dictation.trigger.enabled": "true",
		"dictation.sink.mode":       cfg.Sink.Mode,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("expected %s=%q, got %q", k, v, got[k])
		}
	}
}

func TestNewLoggerLevels(t *testing.T) {
	logger := NewLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: "text"}, io.Discard)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected info to be disabled at warn level")
	}
	if !logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected error to be enabled at warn level")
	}
}

func TestFactoriesRejectUnknownModes(t *testing.T) {
	if _, _, err := NewRecognizer(config.STTConfig{Mode: "cloud"}, newLogger()); err == nil {
		t.Fatal("expected error for unknown stt mode")
	}
	if _, _, err := NewSink(config.SinkConfig{Mode: "bus"}, nil, io.Discard); err == nil {
		t.Fatal("expected error for bus sink without bus")
	}
	if r, closeFn, err := NewRecognizer(config.STTConfig{Mode: "mock"}, newLogger()); err != nil || r == nil || closeFn() != nil {
		t.Fatalf("expected mock recognizer, got %v", err)
	}
}
