package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/murmurlabs/scribed/internal/config"
	"github.com/murmurlabs/scribed/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "scribed.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateSessionAndAppendChunks(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.AppendChunk(ctx, id, i, "/audio/x.wav", 32000); err != nil {
			t.Fatalf("append chunk %d: %v", i, err)
		}
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != session.StatusRecording {
		t.Fatalf("expected recording, got %s", sess.Status)
	}
	if sess.ChunkCount != 3 {
		t.Fatalf("expected chunk count 3, got %d", sess.ChunkCount)
	}

	chunks, err := s.ListChunks(ctx, id)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkNum != i {
			t.Fatalf("expected chunk num %d, got %d", i, c.ChunkNum)
		}
		if c.TranscriptionStatus != TranscriptionPending {
			t.Fatalf("expected pending, got %s", c.TranscriptionStatus)
		}
	}
}

func TestAppendChunkRejectsDuplicateNum(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AppendChunk(ctx, id, 0, "/audio/a.wav", 100); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	if _, err := s.AppendChunk(ctx, id, 0, "/audio/b.wav", 100); err == nil {
		t.Fatal("expected duplicate chunk num to be rejected")
	}
}

func TestAppendChunkRejectsTerminalSession(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.MarkSessionTerminal(ctx, id, session.StatusComplete); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	_, err := s.AppendChunk(ctx, id, 0, "/audio/a.wav", 100)
	if !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal, got %v", err)
	}
}

func TestMarkSessionTerminalIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.MarkSessionTerminal(ctx, id, session.StatusCancelled); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	if err := s.MarkSessionTerminal(ctx, id, session.StatusComplete); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal, got %v", err)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != session.StatusCancelled {
		t.Fatalf("status changed after terminal: %s", sess.Status)
	}
	if sess.CompletedAt.IsZero() {
		t.Fatal("expected completed_at to be set")
	}
}

func TestClaimFollowsChunkOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.AppendChunk(ctx, id, i, "/audio/x.wav", 32000); err != nil {
			t.Fatalf("append chunk %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		claim, err := s.ClaimNextPendingChunk(ctx)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claim.ChunkNum != i {
			t.Fatalf("expected to claim chunk %d, got %d", i, claim.ChunkNum)
		}
		if claim.Attempt != 1 {
			t.Fatalf("expected attempt 1, got %d", claim.Attempt)
		}
	}
	if _, err := s.ClaimNextPendingChunk(ctx); !errors.Is(err, ErrNoPendingChunks) {
		t.Fatalf("expected ErrNoPendingChunks, got %v", err)
	}
}

func TestRequeueRespectsBackoff(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AppendChunk(ctx, id, 0, "/audio/x.wav", 1000); err != nil {
		t.Fatalf("append chunk: %v", err)
	}

	claim, err := s.ClaimNextPendingChunk(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RequeueChunk(ctx, claim.ChunkID, now.Add(5*time.Second)); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if _, err := s.ClaimNextPendingChunk(ctx); !errors.Is(err, ErrNoPendingChunks) {
		t.Fatalf("expected chunk to be backing off, got %v", err)
	}

	s.clock = func() time.Time { return now.Add(6 * time.Second) }
	claim, err = s.ClaimNextPendingChunk(ctx)
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if claim.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", claim.Attempt)
	}
}

func TestOrderedTranscriptIgnoresCompletionOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.AppendChunk(ctx, id, i, "/audio/x.wav", 32000); err != nil {
			t.Fatalf("append chunk %d: %v", i, err)
		}
	}

	claims := make(map[int]Claim)
	for i := 0; i < 3; i++ {
		claim, err := s.ClaimNextPendingChunk(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		claims[claim.ChunkNum] = claim
	}

	// Complete out of order: 2, 0, 1.
	texts := map[int]string{0: "first part", 1: "second part", 2: "third part"}
	for _, num := range []int{2, 0, 1} {
		if err := s.RecordTranscript(ctx, claims[num].ChunkID, texts[num]); err != nil {
			t.Fatalf("record transcript %d: %v", num, err)
		}
	}

	full, err := s.OrderedTranscript(ctx, id)
	if err != nil {
		t.Fatalf("ordered transcript: %v", err)
	}
	want := "first part second part third part"
	if full != want {
		t.Fatalf("expected %q, got %q", want, full)
	}

	chunks, err := s.ListChunks(ctx, id)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	for _, c := range chunks {
		if c.TranscriptionStatus != TranscriptionDone {
			t.Fatalf("chunk %d not transcribed: %s", c.ChunkNum, c.TranscriptionStatus)
		}
	}
}

func TestRecordTranscriptRequiresClaim(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	cid, err := s.AppendChunk(ctx, id, 0, "/audio/x.wav", 1000)
	if err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	if err := s.RecordTranscript(ctx, cid, "text"); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("expected ErrChunkNotFound for unclaimed chunk, got %v", err)
	}
}

func TestMarkChunkFailed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AppendChunk(ctx, id, 0, "/audio/x.wav", 1000); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	claim, err := s.ClaimNextPendingChunk(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkChunkFailed(ctx, claim.ChunkID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	chunks, err := s.ListChunks(ctx, id)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if chunks[0].TranscriptionStatus != TranscriptionFailed {
		t.Fatalf("expected failed, got %s", chunks[0].TranscriptionStatus)
	}
}

func TestRecoverRequeuesAbandonedWork(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(dir, "scribed.db")}

	s, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AppendChunk(ctx, id, 0, "/audio/x.wav", 1000); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	if _, err := s.ClaimNextPendingChunk(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Simulate a crash: close with a chunk in progress and the session recording.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	sess, err := s2.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != session.StatusFailed {
		t.Fatalf("expected interrupted session failed, got %s", sess.Status)
	}

	claim, err := s2.ClaimNextPendingChunk(ctx)
	if err != nil {
		t.Fatalf("expected abandoned chunk requeued: %v", err)
	}
	if claim.ChunkNum != 0 {
		t.Fatalf("unexpected chunk claimed: %d", claim.ChunkNum)
	}
}

func TestMarkAllPendingFailed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, id); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.AppendChunk(ctx, id, i, "/audio/x.wav", 1000); err != nil {
			t.Fatalf("append chunk: %v", err)
		}
	}
	n, err := s.MarkAllPendingFailed(ctx)
	if err != nil {
		t.Fatalf("mark all pending failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 chunks failed, got %d", n)
	}
	if _, err := s.ClaimNextPendingChunk(ctx); !errors.Is(err, ErrNoPendingChunks) {
		t.Fatalf("expected ErrNoPendingChunks, got %v", err)
	}
}
