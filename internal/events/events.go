// Package events fans dictation session events out to in-process listeners.
package events

import (
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

type Kind string

const (
	KindTextReady      Kind = "text_ready"
	KindSegment        Kind = "segment"
	KindSessionStarted Kind = "session_started"
	KindSessionStopped Kind = "session_stopped"
	KindError          Kind = "error"
	KindTriggerChanged Kind = "trigger_changed"
)

const topicAll = "dictation:*"

// Event is the payload published for every kind; fields not relevant to a
// kind are left zero.
type Event struct {
	Kind       Kind          `json:"kind"`
	SessionID  string        `json:"session_id,omitempty"`
	Time       time.Time     `json:"time"`
	Text       string        `json:"text,omitempty"`
	Sequence   uint64        `json:"sequence,omitempty"`
	Start      time.Duration `json:"start,omitempty"`
	End        time.Duration `json:"end,omitempty"`
	Device     string        `json:"device,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Error      string        `json:"error,omitempty"`
	Fatal      bool          `json:"fatal,omitempty"`
	Armed      bool          `json:"armed"`
}

// Emitter is the event stream produced by a dictation session.
type Emitter interface {
	TextReady(sessionID, text string)
	Segment(sessionID string, sequence uint64, text string, start, end time.Duration)
	SessionStarted(sessionID, device string)
	SessionStopped(sessionID, transcript string)
	Error(sessionID string, err error, fatal bool)
	TriggerChanged(sessionID string, armed bool)
}

// Hub is an Emitter backed by an EventBus. Publishing only enqueues; a single
// dispatcher goroutine hands events to the bus in publish order, so a slow
// subscriber delays other subscribers but never the publisher. Subscribers
// registered through the On* methods see events of a kind in publish order.
type Hub struct {
	bus evbus.Bus
	now func() time.Time

	qmu        sync.Mutex
	qcond      *sync.Cond
	queue      []Event
	queued     uint64
	dispatched uint64

	mu      sync.Mutex
	nextID  int
	streams map[int]*stream
}

type stream struct {
	sessionID string
	ch        chan Event
}

func NewHub() *Hub {
	h := &Hub{
		bus:     evbus.New(),
		now:     time.Now,
		streams: make(map[int]*stream),
	}
	h.qcond = sync.NewCond(&h.qmu)
	_ = h.bus.SubscribeAsync(topicAll, h.fanout, true)
	go h.dispatch()
	return h
}

// publish never blocks on subscribers. The queue is unbounded so lifecycle
// events such as SessionStopped are never dropped.
func (h *Hub) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = h.now().UTC()
	}
	h.qmu.Lock()
	h.queue = append(h.queue, e)
	h.queued++
	h.qcond.Broadcast()
	h.qmu.Unlock()
}

func (h *Hub) dispatch() {
	for {
		h.qmu.Lock()
		for len(h.queue) == 0 {
			h.qcond.Wait()
		}
		e := h.queue[0]
		h.queue[0] = Event{}
		h.queue = h.queue[1:]
		h.qmu.Unlock()

		h.bus.Publish(string(e.Kind), e)
		h.bus.Publish(topicAll, e)

		h.qmu.Lock()
		h.dispatched++
		h.qcond.Broadcast()
		h.qmu.Unlock()
	}
}

func (h *Hub) TextReady(sessionID, text string) {
	h.publish(Event{Kind: KindTextReady, SessionID: sessionID, Text: text})
}

func (h *Hub) Segment(sessionID string, sequence uint64, text string, start, end time.Duration) {
	h.publish(Event{Kind: KindSegment, SessionID: sessionID, Sequence: sequence, Text: text, Start: start, End: end})
}

func (h *Hub) SessionStarted(sessionID, device string) {
	h.publish(Event{Kind: KindSessionStarted, SessionID: sessionID, Device: device})
}

func (h *Hub) SessionStopped(sessionID, transcript string) {
	h.publish(Event{Kind: KindSessionStopped, SessionID: sessionID, Transcript: transcript})
}

func (h *Hub) Error(sessionID string, err error, fatal bool) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.publish(Event{Kind: KindError, SessionID: sessionID, Error: msg, Fatal: fatal})
}

func (h *Hub) TriggerChanged(sessionID string, armed bool) {
	h.publish(Event{Kind: KindTriggerChanged, SessionID: sessionID, Armed: armed})
}

func (h *Hub) On(kind Kind, fn func(Event)) error {
	return h.bus.SubscribeAsync(string(kind), fn, true)
}

func (h *Hub) OnAny(fn func(Event)) error {
	return h.bus.SubscribeAsync(topicAll, fn, true)
}

func (h *Hub) OnTextReady(fn func(Event)) error      { return h.On(KindTextReady, fn) }
func (h *Hub) OnSegment(fn func(Event)) error        { return h.On(KindSegment, fn) }
func (h *Hub) OnSessionStarted(fn func(Event)) error { return h.On(KindSessionStarted, fn) }
func (h *Hub) OnSessionStopped(fn func(Event)) error { return h.On(KindSessionStopped, fn) }
func (h *Hub) OnError(fn func(Event)) error          { return h.On(KindError, fn) }
func (h *Hub) OnTriggerChanged(fn func(Event)) error { return h.On(KindTriggerChanged, fn) }

// Stream returns a channel of events for sessionID (all sessions when empty)
// and a cancel func. Events are dropped when the reader falls behind.
func (h *Hub) Stream(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &stream{sessionID: sessionID, ch: make(chan Event, buffer)}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.streams[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.streams, id)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

func (h *Hub) fanout(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.streams {
		if s.sessionID != "" && s.sessionID != e.SessionID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Wait blocks until asynchronous subscribers have handled every event
// published so far.
func (h *Hub) Wait() {
	h.qmu.Lock()
	target := h.queued
	for h.dispatched < target {
		h.qcond.Wait()
	}
	h.qmu.Unlock()
	h.bus.WaitAsync()
}
