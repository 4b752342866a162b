package bus

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Publisher mirrors dictation events onto the dictation.* subjects.
type Publisher struct {
	client *Client
	log    *slog.Logger
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{
		client: client,
		log:    client.Logger().With(slog.String("component", "publisher")),
	}
}

// Attach subscribes the publisher to every event on hub.
func (p *Publisher) Attach(hub *events.Hub) error {
	return hub.OnAny(p.Publish)
}

func (p *Publisher) Publish(e events.Event) {
	subject, msg := message(e)
	if subject == "" {
		return
	}
	if err := p.client.PublishJSON(subject, msg); err != nil {
		p.log.Warn("failed to publish event",
			slog.String("subject", subject),
			slog.String("session_id", e.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func message(e events.Event) (string, any) {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	switch e.Kind {
	case events.KindTextReady:
		return protocol.SubjectTextReady, protocol.TextReady{SessionID: e.SessionID, Text: e.Text, Timestamp: ts}
	case events.KindSegment:
		return protocol.SubjectSegment, protocol.Segment{
			SessionID: e.SessionID,
			Sequence:  e.Sequence,
			Text:      e.Text,
			StartMS:   e.Start.Milliseconds(),
			EndMS:     e.End.Milliseconds(),
			Timestamp: ts,
		}
	case events.KindSessionStarted:
		return protocol.SubjectSessionStarted, protocol.SessionStarted{SessionID: e.SessionID, Device: e.Device, Timestamp: ts}
	case events.KindSessionStopped:
		return protocol.SubjectSessionStopped, protocol.SessionStopped{SessionID: e.SessionID, Transcript: e.Transcript, Timestamp: ts}
	case events.KindError:
		return protocol.SubjectError, protocol.Error{SessionID: e.SessionID, Message: e.Error, Fatal: e.Fatal, Timestamp: ts}
	case events.KindTriggerChanged:
		return protocol.SubjectTriggerStateChange, protocol.TriggerState{SessionID: e.SessionID, Armed: e.Armed, Timestamp: ts}
	default:
		return "", nil
	}
}
