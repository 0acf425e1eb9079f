package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/murmurlabs/scribed/internal/config"
	"github.com/murmurlabs/scribed/internal/session"
	_ "modernc.org/sqlite"
)

// TranscriptionStatus tracks a chunk through the transcription pipeline.
type TranscriptionStatus string

const (
	TranscriptionPending    TranscriptionStatus = "pending"
	TranscriptionInProgress TranscriptionStatus = "in_progress"
	TranscriptionDone       TranscriptionStatus = "transcribed"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrChunkNotFound   = errors.New("chunk not found")
	ErrNoPendingChunks = errors.New("no pending chunks")
	ErrSessionTerminal = errors.New("session is terminal")
)

// Session is the persisted record of one recording attempt.
type Session struct {
	ID          string
	Status      session.Status
	ChunkCount  int
	CreatedAt   time.Time
	CompletedAt time.Time // zero until the session is terminal
}

// Chunk is the persisted record of one durably written audio segment.
type Chunk struct {
	ID                  string
	SessionID           string
	ChunkNum            int
	FilePath            string
	DurationMS          int64
	TranscriptionStatus TranscriptionStatus
	Attempts            int
	CreatedAt           time.Time
}

// Transcript is the text produced for one chunk, append-only.
type Transcript struct {
	ID        string
	SessionID string
	ChunkNum  int
	Text      string
	CreatedAt time.Time
}

// Store is the SQLite-backed source of truth for sessions, chunks, and
// transcripts. All writes are serialized behind writeMu (single-writer
// discipline); reads go straight to the connection pool.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	cfg     config.StoreConfig
	log     *slog.Logger
	clock   func() time.Time
}

// Open initializes the store, creates the schema, and recovers state left by
// a previous process: chunks stuck in_progress are requeued and sessions
// stuck recording are marked failed.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.recover(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover store: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    completed_at INTEGER
);
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    chunk_num INTEGER NOT NULL,
    file_path TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    transcription_status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    UNIQUE(session_id, chunk_num),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS transcripts (
    transcript_id TEXT PRIMARY KEY,
    chunk_id TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    chunk_num INTEGER NOT NULL,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(transcription_status, created_at, chunk_num);
CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, chunk_num);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// recover repairs state abandoned by a crashed process.
func (s *Store) recover(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET transcription_status = ?, next_attempt_at = 0 WHERE transcription_status = ?`,
		TranscriptionPending, TranscriptionInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("requeued chunks abandoned in progress", slog.Int64("count", n))
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, completed_at = ? WHERE status = ?`,
		session.StatusFailed, s.clock().UnixMilli(), session.StatusRecording)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warn("marked interrupted sessions failed", slog.Int64("count", n))
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session in the recording state.
func (s *Store) CreateSession(ctx context.Context, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, status, chunk_count, created_at) VALUES(?, ?, 0, ?)`,
		sessionID, session.StatusRecording, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// AppendChunk registers a durably written chunk file and returns the chunk id.
// The caller guarantees the file at path is complete and synced before this
// record is created.
func (s *Store) AppendChunk(ctx context.Context, sessionID string, chunkNum int, path string, durationMS int64) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("append chunk %d: %w", chunkNum, ErrSessionNotFound)
	}
	if err != nil {
		return "", err
	}
	if session.Status(status).Terminal() {
		return "", fmt.Errorf("append chunk %d to session %s: %w", chunkNum, sessionID, ErrSessionTerminal)
	}

	chunkID := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chunks(chunk_id, session_id, chunk_num, file_path, duration_ms, transcription_status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		chunkID, sessionID, chunkNum, path, durationMS, TranscriptionPending, s.clock().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert chunk: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET chunk_count = chunk_count + 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return chunkID, nil
}

// MarkSessionTerminal moves a recording session into a terminal status.
func (s *Store) MarkSessionTerminal(ctx context.Context, sessionID string, status session.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("mark session %s: %q is not a terminal status", sessionID, status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, completed_at = ? WHERE session_id = ? AND status = ?`,
		status, s.clock().UnixMilli(), sessionID, session.StatusRecording)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, sessionID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark session terminal: %w", ErrSessionNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("mark session %s %s: %w (currently %s)", sessionID, status, ErrSessionTerminal, current)
	}
	return nil
}

// Claim is an exclusive grant to transcribe one chunk.
type Claim struct {
	ChunkID    string
	SessionID  string
	ChunkNum   int
	FilePath   string
	DurationMS int64
	Attempt    int // 1-based attempt number this claim represents
}

// ClaimNextPendingChunk atomically transitions the oldest eligible pending
// chunk to in_progress and returns it. Within a session eligibility follows
// ascending chunk numbers. Returns ErrNoPendingChunks when the queue is
// empty or every pending chunk is still backing off.
func (s *Store) ClaimNextPendingChunk(ctx context.Context) (Claim, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, err
	}
	defer tx.Rollback()

	var c Claim
	err = tx.QueryRowContext(ctx,
		`SELECT chunk_id, session_id, chunk_num, file_path, duration_ms, attempts
		 FROM chunks
		 WHERE transcription_status = ? AND next_attempt_at <= ?
		 ORDER BY created_at ASC, chunk_num ASC
		 LIMIT 1`,
		TranscriptionPending, s.clock().UnixMilli()).
		Scan(&c.ChunkID, &c.SessionID, &c.ChunkNum, &c.FilePath, &c.DurationMS, &c.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, ErrNoPendingChunks
	}
	if err != nil {
		return Claim{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE chunks SET transcription_status = ?, attempts = attempts + 1
		 WHERE chunk_id = ? AND transcription_status = ?`,
		TranscriptionInProgress, c.ChunkID, TranscriptionPending)
	if err != nil {
		return Claim{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Claim{}, err
	}
	if n == 0 {
		// Lost the claim to a concurrent worker.
		return Claim{}, ErrNoPendingChunks
	}
	if err := tx.Commit(); err != nil {
		return Claim{}, err
	}
	c.Attempt++
	return c, nil
}

// RecordTranscript stores the transcript for a claimed chunk and marks it
// transcribed. The transcript row is written exactly once per chunk.
func (s *Store) RecordTranscript(ctx context.Context, chunkID, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sessionID string
	var chunkNum int
	err = tx.QueryRowContext(ctx,
		`SELECT session_id, chunk_num FROM chunks WHERE chunk_id = ? AND transcription_status = ?`,
		chunkID, TranscriptionInProgress).Scan(&sessionID, &chunkNum)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record transcript: chunk %s not claimed: %w", chunkID, ErrChunkNotFound)
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcripts(transcript_id, chunk_id, session_id, chunk_num, text, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), chunkID, sessionID, chunkNum, text, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE chunks SET transcription_status = ? WHERE chunk_id = ?`,
		TranscriptionDone, chunkID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueChunk returns a claimed chunk to pending after a transient failure,
// eligible again no earlier than notBefore.
func (s *Store) RequeueChunk(ctx context.Context, chunkID string, notBefore time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET transcription_status = ?, next_attempt_at = ?
		 WHERE chunk_id = ? AND transcription_status = ?`,
		TranscriptionPending, notBefore.UnixMilli(), chunkID, TranscriptionInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue chunk %s: %w", chunkID, ErrChunkNotFound)
	}
	return nil
}

// MarkChunkFailed permanently fails a claimed chunk after retries ran out.
func (s *Store) MarkChunkFailed(ctx context.Context, chunkID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET transcription_status = ? WHERE chunk_id = ? AND transcription_status = ?`,
		TranscriptionFailed, chunkID, TranscriptionInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail chunk %s: %w", chunkID, ErrChunkNotFound)
	}
	return nil
}

// MarkAllPendingFailed permanently fails every pending chunk. Used when the
// recognizer cannot be loaded at all.
func (s *Store) MarkAllPendingFailed(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET transcription_status = ? WHERE transcription_status = ?`,
		TranscriptionFailed, TranscriptionPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSession returns the session record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	var status string
	var created int64
	var completed sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, status, chunk_count, created_at, completed_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&sess.ID, &status, &sess.ChunkCount, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = time.UnixMilli(created).UTC()
	if completed.Valid {
		sess.CompletedAt = time.UnixMilli(completed.Int64).UTC()
	}
	return sess, nil
}

// ListChunks returns a session's chunks in ascending chunk number order.
func (s *Store) ListChunks(ctx context.Context, sessionID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, session_id, chunk_num, file_path, duration_ms, transcription_status, attempts, created_at
		 FROM chunks WHERE session_id = ? ORDER BY chunk_num ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var status string
		var created int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ChunkNum, &c.FilePath, &c.DurationMS, &status, &c.Attempts, &created); err != nil {
			return nil, err
		}
		c.TranscriptionStatus = TranscriptionStatus(status)
		c.CreatedAt = time.UnixMilli(created).UTC()
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// OrderedTranscript concatenates every transcript for a session in ascending
// chunk number order, regardless of the order transcription completed.
func (s *Store) OrderedTranscript(ctx context.Context, sessionID string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text FROM transcripts WHERE session_id = ? ORDER BY chunk_num ASC`, sessionID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", err
		}
		if t := strings.TrimSpace(text); t != "" {
			parts = append(parts, t)
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, " "), nil
}

// Prune deletes terminal sessions older than the configured retention,
// cascading to their chunk and transcript rows. Audio files on disk are
// never touched.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status != ? AND created_at < ?`,
		session.StatusRecording, cutoff.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("pruned sessions", slog.Int64("count", n))
	}
	return nil
}
