package protocol

import "time"

// AudioFrame carries captured PCM from an edge device.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// DocumentText is a batch of dictated text destined for a document.
type DocumentText struct {
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type TextReady struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Segment is one recognised span positioned on the session timeline.
type Segment struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	StartMS   int64     `json:"start_ms"`
	EndMS     int64     `json:"end_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionStarted struct {
	SessionID string    `json:"session_id"`
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionStopped struct {
	SessionID  string    `json:"session_id"`
	Transcript string    `json:"transcript"`
	Timestamp  time.Time `json:"timestamp"`
}

type Error struct {
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message"`
	Fatal     bool      `json:"fatal"`
	Timestamp time.Time `json:"timestamp"`
}

type TriggerState struct {
	SessionID string    `json:"session_id,omitempty"`
	Armed     bool      `json:"armed"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectDocumentText       = "dictation.document.text"
	SubjectTextReady          = "dictation.text.ready"
	SubjectSegment            = "dictation.segment"
	SubjectSessionStarted     = "dictation.session.started"
	SubjectSessionStopped     = "dictation.session.stopped"
	SubjectError              = "dictation.error"
	SubjectTriggerStateChange = "dictation.trigger"
)

// AudioFrameSubject returns the subject frames for deviceID are published on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}
