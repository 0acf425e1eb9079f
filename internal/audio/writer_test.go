package audio

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/murmurlabs/scribed/internal/config"
)

func newWriter(t *testing.T) *Writer {
	t.Helper()
	cfg := config.CaptureConfig{
		AudioDir:     t.TempDir(),
		SampleRate:   16000,
		Channels:     1,
		WriteRetries: 2,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWriter(cfg, log)
}

func TestChunkPathLayout(t *testing.T) {
	w := newWriter(t)
	w.clock = func() time.Time { return time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC) }

	path := w.ChunkPath("abc", 2)
	if !strings.HasSuffix(path, filepath.Join("2025-06-01", "session_abc_chunk_2.wav")) {
		t.Fatalf("unexpected chunk path: %s", path)
	}
}

func TestWriteAndReadChunk(t *testing.T) {
	w := newWriter(t)

	samples := make([]int16, 16000) // one second
	for i := range samples {
		samples[i] = int16(i % 512)
	}

	path, err := w.WriteChunk("s1", 0, samples)
	if err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("chunk file missing: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	pcm, rate, err := ReadChunk(path)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("expected sample rate 16000, got %d", rate)
	}
	if len(pcm) != len(samples)*2 {
		t.Fatalf("expected %d pcm bytes, got %d", len(samples)*2, len(pcm))
	}
}

func TestDurationMS(t *testing.T) {
	w := newWriter(t)
	if got := w.DurationMS(16000); got != 1000 {
		t.Fatalf("expected 1000ms, got %d", got)
	}
	if got := w.DurationMS(8000); got != 500 {
		t.Fatalf("expected 500ms, got %d", got)
	}
}

func TestWriteChunkRecoversWithinRetryBudget(t *testing.T) {
	w := newWriter(t)
	attempts := 0
	w.create = func(path string) (*os.File, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("disk hiccup")
		}
		return os.Create(path)
	}

	samples := []int16{1, 2, 3, 4}
	path, err := w.WriteChunk("s1", 0, samples)
	if err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	pcm, _, err := ReadChunk(path)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if len(pcm) != len(samples)*2 {
		t.Fatalf("expected %d pcm bytes, got %d", len(samples)*2, len(pcm))
	}
}

func TestWriteChunkFailsAfterRetryBudget(t *testing.T) {
	w := newWriter(t)
	attempts := 0
	w.create = func(string) (*os.File, error) {
		attempts++
		return nil, errors.New("disk hiccup")
	}

	_, err := w.WriteChunk("s1", 0, []int16{1, 2, 3})
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if attempts != 3 { // initial try plus two retries
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWriteChunkFailsWhenDirUnwritable(t *testing.T) {
	w := newWriter(t)
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, []byte("not a dir"), 0o644); err != nil {
		t.Fatalf("prep: %v", err)
	}
	w.dir = blocked

	if _, err := w.WriteChunk("s1", 0, []int16{1, 2, 3}); err == nil {
		t.Fatal("expected write failure")
	}
}
