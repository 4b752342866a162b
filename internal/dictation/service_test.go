package dictation

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

const bytesPerMS = 32

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func speech(ms int) []byte {
	pcm := make([]byte, ms*bytesPerMS)
	for i := 0; i < len(pcm)/2; i++ {
		v := int16(3000)
		if (i/20)%2 == 1 {
			v = -3000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func silence(ms int) []byte {
	return make([]byte, ms*bytesPerMS)
}

// fakeDevice replays pcm in 20 ms blocks and then either reports end of
// stream or fails with err. With hold set it stays open until stopped.
type fakeDevice struct {
	pcm  []byte
	hold bool
	err  error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	stops  int
}

func (d *fakeDevice) Start(ctx context.Context, onData func([]byte), onError func(error)) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		for off := 0; off < len(d.pcm); off += 20 * bytesPerMS {
			end := min(off+20*bytesPerMS, len(d.pcm))
			onData(d.pcm[off:end])
		}
		switch {
		case d.err != nil:
			onError(d.err)
		case !d.hold:
			onError(io.EOF)
		}
		<-ctx.Done()
	}()
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	d.stops++
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func opener(d capture.Device) DeviceOpener {
	return func(string, capture.Options) (capture.Device, error) { return d, nil }
}

// scriptedRecognizer answers chunk n with texts[n-1] after delay, or fails
// when err is set.
type scriptedRecognizer struct {
	texts []string
	err   error
	delay time.Duration

	mu       sync.Mutex
	requests []stt.Request
}

func (r *scriptedRecognizer) Transcribe(ctx context.Context, req stt.Request, emit func(stt.Segment) error) error {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.err != nil {
		return r.err
	}
	text := "hello world"
	if i := int(req.Sequence) - 1; i < len(r.texts) {
		text = r.texts[i]
	}
	return emit(stt.Segment{Text: text, Start: 0, End: req.Format.Duration(len(req.PCM))})
}

func (r *scriptedRecognizer) Requests() []stt.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.Request(nil), r.requests...)
}

type memSink struct {
	mu    sync.Mutex
	texts []string
}

func (s *memSink) Available() bool { return true }

func (s *memSink) InsertText(_ context.Context, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return nil
}

func (s *memSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.texts, "")
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) add(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) TextReady(id, text string) {
	r.add(events.Event{Kind: events.KindTextReady, SessionID: id, Text: text})
}
func (r *recorder) Segment(id string, seq uint64, text string, start, end time.Duration) {
	r.add(events.Event{Kind: events.KindSegment, SessionID: id, Sequence: seq, Text: text, Start: start, End: end})
}
func (r *recorder) SessionStarted(id, device string) {
	r.add(events.Event{Kind: events.KindSessionStarted, SessionID: id, Device: device})
}
func (r *recorder) SessionStopped(id, transcript string) {
	r.add(events.Event{Kind: events.KindSessionStopped, SessionID: id, Transcript: transcript})
}
func (r *recorder) Error(id string, err error, fatal bool) {
	r.add(events.Event{Kind: events.KindError, SessionID: id, Error: err.Error(), Fatal: fatal})
}
func (r *recorder) TriggerChanged(id string, armed bool) {
	r.add(events.Event{Kind: events.KindTriggerChanged, SessionID: id, Armed: armed})
}

func (r *recorder) of(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type fixture struct {
	svc        *Service
	recognizer *scriptedRecognizer
	sink       *memSink
	events     *recorder
}

func newFixture(t *testing.T, device capture.Device, recognizer *scriptedRecognizer) fixture {
	t.Helper()
	f := fixture{recognizer: recognizer, sink: &memSink{}, events: &recorder{}}
	svc, err := NewService(Deps{
		Recognizer: recognizer,
		Sink:       f.sink,
		Events:     f.events,
		OpenDevice: opener(device),
	}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return f
}

func testSettings() Settings {
	s := SettingsFromConfig(config.Default())
	s.FlushInterval = 50 * time.Millisecond
	s.Pipeline.SettleTimeout = 2 * time.Second
	s.Pipeline.PollInterval = 10 * time.Millisecond
	return s
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSpeechThenSilenceEndToEnd(t *testing.T) {
	pcm := append(speech(5000), silence(1000)...)
	f := newFixture(t, &fakeDevice{pcm: pcm}, &scriptedRecognizer{})

	h, err := f.svc.StartSession(context.Background(), "file:test.wav", testSettings())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, h)

	reqs := f.recognizer.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(reqs))
	}
	if len(reqs[0].PCM) < 5000*bytesPerMS {
		t.Fatalf("expected chunk to span the speech region, got %d bytes", len(reqs[0].PCM))
	}
	if h.Err() != nil {
		t.Fatalf("expected graceful stop, got %v", h.Err())
	}
	if h.Transcript() != "hello world" {
		t.Fatalf("unexpected transcript %q", h.Transcript())
	}
	if f.sink.String() != "hello world " {
		t.Fatalf("unexpected sink content %q", f.sink.String())
	}

	all := f.events.all()
	if all[0].Kind != events.KindSessionStarted || all[0].SessionID != h.ID {
		t.Fatalf("expected session start first, got %+v", all[0])
	}
	last := all[len(all)-1]
	if last.Kind != events.KindSessionStopped || last.Transcript != "hello world" {
		t.Fatalf("expected session stop last, got %+v", last)
	}
	segs := f.events.of(events.KindSegment)
	if len(segs) != 1 || segs[0].Start != 0 || segs[0].End != 6*time.Second {
		t.Fatalf("unexpected segment events %+v", segs)
	}
	if ready := f.events.of(events.KindTextReady); len(ready) != 1 || ready[0].Text != "hello world" {
		t.Fatalf("unexpected text ready events %+v", ready)
	}
}

func TestTriggerGatesEmission(t *testing.T) {
	var pcm []byte
	for i := 0; i < 4; i++ {
		pcm = append(pcm, speech(1500)...)
		pcm = append(pcm, silence(600)...)
	}
	f := newFixture(t, &fakeDevice{pcm: pcm}, &scriptedRecognizer{
		texts: []string{"start dictation", "hello there", "stop dictation", "ignored words"},
	})
	settings := testSettings()
	settings.TriggerEnabled = true

	h, err := f.svc.StartSession(context.Background(), "file:test.wav", settings)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, h)

	if got := len(f.recognizer.Requests()); got != 4 {
		t.Fatalf("expected four chunks, got %d", got)
	}
	if f.sink.String() != "hello there " {
		t.Fatalf("expected only armed text in the sink, got %q", f.sink.String())
	}
	changes := f.events.of(events.KindTriggerChanged)
	if len(changes) != 2 || !changes[0].Armed || changes[1].Armed {
		t.Fatalf("expected arm then disarm, got %+v", changes)
	}
	want := "start dictation hello there stop dictation ignored words"
	if h.Transcript() != want {
		t.Fatalf("expected full transcript %q, got %q", want, h.Transcript())
	}
}

func utterances(n int) []byte {
	var pcm []byte
	for i := 0; i < n; i++ {
		pcm = append(pcm, speech(1500)...)
		pcm = append(pcm, silence(600)...)
	}
	return pcm
}

func TestEndOfStreamDeliversBacklog(t *testing.T) {
	f := newFixture(t, &fakeDevice{pcm: utterances(5)}, &scriptedRecognizer{
		texts: []string{"one", "two", "three", "four", "five"},
		delay: 150 * time.Millisecond,
	})
	settings := testSettings()
	settings.Pipeline.MaxConcurrent = 1
	settings.Pipeline.SettleTimeout = 100 * time.Millisecond

	h, err := f.svc.StartSession(context.Background(), "file:test.wav", settings)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, h)

	if h.Err() != nil {
		t.Fatalf("expected graceful stop, got %v", h.Err())
	}
	summary, ok := h.Summary()
	if !ok || summary.Delivered != 5 || summary.Discarded != 0 {
		t.Fatalf("expected the whole backlog delivered, got %+v", summary)
	}
	if h.Transcript() != "one two three four five" {
		t.Fatalf("unexpected transcript %q", h.Transcript())
	}
}

func TestErrorLimitWhileDrainingIsFatal(t *testing.T) {
	f := newFixture(t, &fakeDevice{pcm: utterances(4)}, &scriptedRecognizer{err: errors.New("engine down")})

	h, err := f.svc.StartSession(context.Background(), "file:test.wav", testSettings())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, h)

	if !errors.Is(h.Err(), pipeline.ErrErrorLimit) {
		t.Fatalf("expected error limit, got %v", h.Err())
	}
	fatal := 0
	for _, e := range f.events.of(events.KindError) {
		if e.Fatal {
			fatal++
		}
	}
	if fatal != 1 {
		t.Fatalf("expected exactly one fatal error event, got %d", fatal)
	}
}

func TestStopSessionKeepsSettleBound(t *testing.T) {
	f := newFixture(t, &fakeDevice{pcm: utterances(5), hold: true}, &scriptedRecognizer{delay: time.Second})
	settings := testSettings()
	settings.Pipeline.MaxConcurrent = 1
	settings.Pipeline.SettleTimeout = 100 * time.Millisecond

	h, err := f.svc.StartSession(context.Background(), "bus:desk", settings)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.pipeline.Pending() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("expected five pending chunks, got %d", h.pipeline.Pending())
		}
		time.Sleep(10 * time.Millisecond)
	}

	began := time.Now()
	if err := f.svc.StopSession(context.Background(), h); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	if elapsed := time.Since(began); elapsed > 2*time.Second {
		t.Fatalf("explicit stop waited for the backlog: %v", elapsed)
	}
	if summary, _ := h.Summary(); summary.Discarded == 0 {
		t.Fatalf("expected unsettled chunks discarded, got %+v", summary)
	}
}

func TestErrorLimitStopsSession(t *testing.T) {
	var pcm []byte
	for i := 0; i < 4; i++ {
		pcm = append(pcm, speech(1500)...)
		pcm = append(pcm, silence(600)...)
	}
	f := newFixture(t, &fakeDevice{pcm: pcm, hold: true}, &scriptedRecognizer{err: errors.New("engine down")})
	settings := testSettings()
	settings.Segmenter.TargetChunk = 200 * time.Millisecond

	h, err := f.svc.StartSession(context.Background(), "bus:desk", settings)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, h)

	if !errors.Is(h.Err(), pipeline.ErrErrorLimit) {
		t.Fatalf("expected error limit, got %v", h.Err())
	}
	errs := f.events.of(events.KindError)
	if len(errs) != 1 || !errs[0].Fatal {
		t.Fatalf("expected a single fatal error event, got %+v", errs)
	}
	if stops := f.events.of(events.KindSessionStopped); len(stops) != 1 {
		t.Fatalf("expected one session stop, got %d", len(stops))
	}
}

func TestDeviceFailureIsFatal(t *testing.T) {
	f := newFixture(t, &fakeDevice{err: errors.New("unplugged")}, &scriptedRecognizer{})
	h, err := f.svc.StartSession(context.Background(), "bus:desk", testSettings())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, h)

	if h.Err() == nil || h.Err().Error() != "unplugged" {
		t.Fatalf("expected device error, got %v", h.Err())
	}
	if errs := f.events.of(events.KindError); len(errs) != 1 || !errs[0].Fatal {
		t.Fatalf("expected a single fatal error event, got %+v", errs)
	}
}

func TestStopSessionIdempotent(t *testing.T) {
	device := &fakeDevice{hold: true}
	f := newFixture(t, device, &scriptedRecognizer{})
	h, err := f.svc.StartSession(context.Background(), "bus:desk", testSettings())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if got, err := f.svc.Session(h.ID); err != nil || got != h {
		t.Fatalf("expected session lookup to succeed, got %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := f.svc.StopSession(ctx, h); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if err := f.svc.StopSession(ctx, nil); err != nil {
		t.Fatalf("stop nil handle: %v", err)
	}
	if stops := f.events.of(events.KindSessionStopped); len(stops) != 1 {
		t.Fatalf("expected exactly one session stop event, got %d", len(stops))
	}
	device.mu.Lock()
	stops := device.stops
	device.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected device to be stopped once, got %d", stops)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.svc.Sessions()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected stopped session to be removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := f.svc.Session(h.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStartSessionUnknownDevice(t *testing.T) {
	svc, err := NewService(Deps{Recognizer: stt.NewMockRecognizer()}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.StartSession(context.Background(), "alsa:hw0", testSettings()); !errors.Is(err, capture.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestCloseRejectsNewSessions(t *testing.T) {
	f := newFixture(t, &fakeDevice{hold: true}, &scriptedRecognizer{})
	h, err := f.svc.StartSession(context.Background(), "bus:desk", testSettings())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := f.svc.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitDone(t, h)
	if _, err := f.svc.StartSession(context.Background(), "bus:desk", testSettings()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
