package stt

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Segment is one recognised span. Offsets are relative to the chunk start.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Request carries one utterance chunk to a recognizer.
type Request struct {
	SessionID string
	Sequence  uint64
	PCM       []byte
	Format    audio.Format
	Language  string
}

// Recognizer abstracts STT backends. Implementations call emit for each
// segment in order and stop early when emit or ctx fails.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request, emit func(Segment) error) error
}

// Collect runs r and gathers every segment it produces.
func Collect(ctx context.Context, r Recognizer, req Request) ([]Segment, error) {
	var segments []Segment
	err := r.Transcribe(ctx, req, func(seg Segment) error {
		segments = append(segments, seg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// JoinText concatenates segment texts separated by single spaces.
func JoinText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
