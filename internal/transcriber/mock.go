package transcriber

import (
	"context"
	"fmt"
	"path/filepath"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audioPath string) (Result, error) {
	return Result{
		Text:       fmt.Sprintf("[transcript of %s]", filepath.Base(audioPath)),
		Confidence: 0,
	}, nil
}
