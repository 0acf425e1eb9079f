package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/murmurlabs/scribed/internal/config"
	"github.com/murmurlabs/scribed/internal/store"
	"github.com/murmurlabs/scribed/internal/transcriber"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "scribed.db")}
	s, err := store.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Enabled:        true,
		Mode:           "mock",
		PollIntervalMS: 10,
		MaxAttempts:    3,
		RetryBackoffMS: 0,
	}
}

// scriptedRecognizer fails a fixed number of times per path, then succeeds.
type scriptedRecognizer struct {
	mu       sync.Mutex
	failures map[string]int // path suffix -> remaining failures

	concurrent    atomic.Int64
	maxConcurrent atomic.Int64
}

func (r *scriptedRecognizer) Transcribe(_ context.Context, audioPath string) (transcriber.Result, error) {
	cur := r.concurrent.Add(1)
	defer r.concurrent.Add(-1)
	for {
		prev := r.maxConcurrent.Load()
		if cur <= prev || r.maxConcurrent.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	for suffix, left := range r.failures {
		if strings.HasSuffix(audioPath, suffix) && left > 0 {
			r.failures[suffix] = left - 1
			return transcriber.Result{}, errors.New("inference failed")
		}
	}
	return transcriber.Result{Text: "text for " + filepath.Base(audioPath)}, nil
}

func seedSession(t *testing.T, s *store.Store, chunkCount int) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < chunkCount; i++ {
		path := fmt.Sprintf("/audio/session_%s_chunk_%d.wav", id, i)
		if _, err := s.AppendChunk(ctx, id, i, path, 32000); err != nil {
			t.Fatalf("append chunk %d: %v", i, err)
		}
	}
	return id
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func allChunksStatus(t *testing.T, s *store.Store, sessionID string, want store.TranscriptionStatus) func() bool {
	return func() bool {
		chunks, err := s.ListChunks(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("list chunks: %v", err)
		}
		for _, c := range chunks {
			if c.TranscriptionStatus != want {
				return false
			}
		}
		return len(chunks) > 0
	}
}

func TestWorkerDrainsChunksInOrder(t *testing.T) {
	s := openStore(t)
	id := seedSession(t, s, 3)

	rec := &scriptedRecognizer{}
	w := New(context.Background(), workerConfig(), s, nil, newLogger())
	w.newRecognizer = func() (transcriber.Recognizer, error) { return rec, nil }
	w.Start()
	t.Cleanup(w.Shutdown)

	waitFor(t, allChunksStatus(t, s, id, store.TranscriptionDone))

	full, err := s.OrderedTranscript(context.Background(), id)
	if err != nil {
		t.Fatalf("ordered transcript: %v", err)
	}
	want := fmt.Sprintf("text for session_%s_chunk_0.wav text for session_%s_chunk_1.wav text for session_%s_chunk_2.wav", id, id, id)
	if full != want {
		t.Fatalf("transcript out of order:\n got %q\nwant %q", full, want)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	s := openStore(t)
	id := seedSession(t, s, 3)

	// Chunk 1 fails twice, succeeds on the third attempt.
	rec := &scriptedRecognizer{failures: map[string]int{"chunk_1.wav": 2}}
	w := New(context.Background(), workerConfig(), s, nil, newLogger())
	w.newRecognizer = func() (transcriber.Recognizer, error) { return rec, nil }
	w.Start()
	t.Cleanup(w.Shutdown)

	waitFor(t, allChunksStatus(t, s, id, store.TranscriptionDone))

	chunks, err := s.ListChunks(context.Background(), id)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if chunks[1].Attempts != 3 {
		t.Fatalf("expected chunk 1 to take 3 attempts, got %d", chunks[1].Attempts)
	}
	if chunks[0].Attempts != 1 || chunks[2].Attempts != 1 {
		t.Fatalf("retries leaked to other chunks: %d, %d", chunks[0].Attempts, chunks[2].Attempts)
	}
}

func TestWorkerFailsChunkPermanentlyAfterMaxAttempts(t *testing.T) {
	s := openStore(t)
	id := seedSession(t, s, 2)

	rec := &scriptedRecognizer{failures: map[string]int{"chunk_0.wav": 100}}
	w := New(context.Background(), workerConfig(), s, nil, newLogger())
	w.newRecognizer = func() (transcriber.Recognizer, error) { return rec, nil }
	w.Start()
	t.Cleanup(w.Shutdown)

	waitFor(t, func() bool {
		chunks, err := s.ListChunks(context.Background(), id)
		if err != nil {
			t.Fatalf("list chunks: %v", err)
		}
		return chunks[0].TranscriptionStatus == store.TranscriptionFailed &&
			chunks[1].TranscriptionStatus == store.TranscriptionDone
	})

	chunks, err := s.ListChunks(context.Background(), id)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if chunks[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts before permanent failure, got %d", chunks[0].Attempts)
	}
}

func TestInferenceNeverRunsConcurrently(t *testing.T) {
	s := openStore(t)
	first := seedSession(t, s, 5)
	second := seedSession(t, s, 5)

	rec := &scriptedRecognizer{}
	w := New(context.Background(), workerConfig(), s, nil, newLogger())
	w.newRecognizer = func() (transcriber.Recognizer, error) { return rec, nil }
	w.Start()
	t.Cleanup(w.Shutdown)

	waitFor(t, allChunksStatus(t, s, first, store.TranscriptionDone))
	waitFor(t, allChunksStatus(t, s, second, store.TranscriptionDone))

	if max := rec.maxConcurrent.Load(); max > 1 {
		t.Fatalf("observed %d concurrent inferences", max)
	}
}

func TestRecognizerLoadFailurePoisonsPendingWork(t *testing.T) {
	s := openStore(t)
	id := seedSession(t, s, 3)

	w := New(context.Background(), workerConfig(), s, nil, newLogger())
	w.newRecognizer = func() (transcriber.Recognizer, error) {
		return nil, errors.New("model file missing")
	}
	w.Start()
	t.Cleanup(w.Shutdown)

	waitFor(t, allChunksStatus(t, s, id, store.TranscriptionFailed))
}
