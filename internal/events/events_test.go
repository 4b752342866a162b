package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTypedSubscriptions(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	var texts []string
	var stopped []Event
	if err := h.OnTextReady(func(e Event) {
		mu.Lock()
		texts = append(texts, e.Text)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.OnSessionStopped(func(e Event) {
		mu.Lock()
		stopped = append(stopped, e)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.TextReady("s1", "one")
	h.TextReady("s1", "two")
	h.TriggerChanged("s1", true)
	h.SessionStopped("s1", "one two")
	h.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 2 || texts[0] != "one" || texts[1] != "two" {
		t.Fatalf("expected ordered text events, got %v", texts)
	}
	if len(stopped) != 1 || stopped[0].Transcript != "one two" || stopped[0].Time.IsZero() {
		t.Fatalf("unexpected stop events %+v", stopped)
	}
}

func TestOnAnyAndErrors(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	var kinds []Kind
	var last Event
	_ = h.OnAny(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		last = e
		mu.Unlock()
	})
	h.SessionStarted("s1", "file:a.wav")
	h.Segment("s1", 1, "hi", 0, time.Second)
	h.Error("s1", errors.New("engine down"), true)
	h.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 3 || kinds[0] != KindSessionStarted || kinds[2] != KindError {
		t.Fatalf("unexpected kinds %v", kinds)
	}
	if last.Error != "engine down" || !last.Fatal {
		t.Fatalf("unexpected error event %+v", last)
	}
}

func TestStreamFiltersBySession(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Stream("s2", 8)
	h.TextReady("s1", "other")
	h.TextReady("s2", "mine")
	h.Wait()

	select {
	case e := <-ch:
		if e.SessionID != "s2" || e.Text != "mine" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream event")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected stream to be closed after cancel")
	}
}

func TestSlowSubscriberDoesNotDelayPublishers(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	var seen []uint64
	_ = h.OnAny(func(e Event) {
		time.Sleep(200 * time.Millisecond)
		mu.Lock()
		seen = append(seen, e.Sequence)
		mu.Unlock()
	})

	began := time.Now()
	for seq := uint64(1); seq <= 4; seq++ {
		h.Segment("s1", seq, "word", 0, time.Second)
	}
	if elapsed := time.Since(began); elapsed > 100*time.Millisecond {
		t.Fatalf("publishing waited on the subscriber: %v", elapsed)
	}

	h.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("expected 4 events after wait, got %v", seen)
	}
	for i, seq := range seen {
		if seq != uint64(i+1) {
			t.Fatalf("expected publish order, got %v", seen)
		}
	}
}
