package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request, emit func(Segment) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return emit(Segment{
		Text: fmt.Sprintf("[chunk %d length=%d]", req.Sequence, len(req.PCM)),
		End:  req.Format.Duration(len(req.PCM)),
	})
}
