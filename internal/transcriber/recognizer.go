package transcriber

import (
	"context"
	"fmt"

	"github.com/murmurlabs/scribed/internal/config"
)

// Result captures recognizer output for one chunk.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Implementations are expensive to load
// and exclusive: the worker guarantees at most one Transcribe call runs at
// a time.
type Recognizer interface {
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}

// New builds the recognizer the worker config names. Called lazily, on the
// first chunk claimed, so model load cost is paid only when there is work.
func New(cfg config.WorkerConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}
