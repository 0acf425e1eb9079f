package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/murmurlabs/scribed/internal/audio"
	"github.com/murmurlabs/scribed/internal/config"
	"github.com/murmurlabs/scribed/internal/session"
	"github.com/murmurlabs/scribed/internal/store"
)

var (
	ErrAlreadyRecording = errors.New("a recording session is already active")
	ErrNotRecording     = errors.New("no recording session is active")
)

// Recorder turns a live sample stream into fixed-duration durable chunks.
// One session records at a time. Frames arrive on the source's delivery
// goroutine; flushing happens on the session's serial flush lane so the
// frame path never touches disk.
type Recorder struct {
	cfg    config.CaptureConfig
	store  *store.Store
	writer *audio.Writer
	source Source
	log    *slog.Logger

	chunkSamples int

	mu  sync.Mutex
	run *sessionRun
}

// sessionRun is the live state of one recording session. The frame closure
// created at Start holds the run directly, so a late-finishing flush or a
// stale frame can never observe a cleared shared reference.
type sessionRun struct {
	machine *session.Machine
	lane    *flushLane

	mu        sync.Mutex
	buf       []int16
	samplePos int64
	nextChunk int
	stopped   bool
}

func NewRecorder(cfg config.CaptureConfig, st *store.Store, writer *audio.Writer, source Source, log *slog.Logger) *Recorder {
	return &Recorder{
		cfg:          cfg,
		store:        st,
		writer:       writer,
		source:       source,
		log:          log,
		chunkSamples: cfg.SampleRate * cfg.ChunkDurationMS / 1000,
	}
}

// Start acquires the audio input and begins a new session. If the input
// cannot be acquired no session is created and the source's error (typically
// ErrPermissionDenied) is returned.
func (r *Recorder) Start(ctx context.Context) (session.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run != nil {
		return session.Handle{}, ErrAlreadyRecording
	}

	if err := r.source.Open(ctx); err != nil {
		return session.Handle{}, fmt.Errorf("open audio input: %w", err)
	}

	handle := session.Handle{ID: uuid.NewString()}
	if err := r.store.CreateSession(ctx, handle.ID); err != nil {
		_ = r.source.Stop()
		return session.Handle{}, err
	}

	run := &sessionRun{
		machine: session.NewMachine(handle),
		lane:    newFlushLane(r.writer, r.store, r.log),
	}
	chunkSamples := r.chunkSamples
	if err := r.source.Start(func(samples []int16) {
		run.ingest(samples, chunkSamples)
	}); err != nil {
		run.lane.close()
		_ = run.lane.wait()
		_ = run.machine.Transition(session.StatusFailed)
		if merr := r.store.MarkSessionTerminal(ctx, handle.ID, session.StatusFailed); merr != nil {
			r.log.Error("failed to mark session failed", slog.String("error", merr.Error()))
		}
		return session.Handle{}, fmt.Errorf("start audio source: %w", err)
	}

	r.run = run
	r.log.Info("recording started",
		slog.String("session_id", handle.ID),
		slog.Int("chunk_duration_ms", r.cfg.ChunkDurationMS))
	return handle, nil
}

// Stop flushes the partial tail chunk and completes the session. It returns
// only after every chunk, including the tail, is durably written and the
// session row is terminal.
func (r *Recorder) Stop(ctx context.Context) error {
	return r.finish(ctx, session.StatusComplete)
}

// Cancel flushes whatever has been captured and cancels the session.
// Already-flushed chunks are never deleted; transcription of the persisted
// chunks proceeds normally.
func (r *Recorder) Cancel(ctx context.Context) error {
	return r.finish(ctx, session.StatusCancelled)
}

// Active reports the current session, if one is recording.
func (r *Recorder) Active() (session.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return session.Handle{}, false
	}
	return r.run.machine.Handle(), true
}

func (r *Recorder) finish(ctx context.Context, target session.Status) error {
	// The caller's context may already be gone when it asks to finish, a
	// disconnected HTTP client being the usual case. The flushes and the
	// terminal transition must still land or the session stays recording
	// forever, so finish runs detached from cancellation.
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	run := r.run
	r.run = nil
	r.mu.Unlock()
	if run == nil {
		return ErrNotRecording
	}

	if err := r.source.Stop(); err != nil {
		r.log.Warn("audio source stop failed", slog.String("error", err.Error()))
	}

	handle := run.machine.Handle()

	run.mu.Lock()
	run.stopped = true
	tail := run.buf
	run.buf = nil
	tailNum := run.nextChunk
	if len(tail) > 0 {
		run.nextChunk++
	}
	captured := run.samplePos
	run.mu.Unlock()

	if len(tail) > 0 {
		run.lane.enqueue(flushJob{handle: handle, chunkNum: tailNum, samples: tail})
	}
	run.lane.close()

	// The session may become terminal only after every flush is durable.
	if err := run.lane.wait(); err != nil {
		_ = run.machine.Transition(session.StatusFailed)
		if merr := r.store.MarkSessionTerminal(ctx, handle.ID, session.StatusFailed); merr != nil {
			r.log.Error("failed to mark session failed",
				slog.String("session_id", handle.ID),
				slog.String("error", merr.Error()))
		}
		return fmt.Errorf("capture failure in session %s: %w", handle.ID, err)
	}

	if err := run.machine.Transition(target); err != nil {
		return err
	}
	if err := r.store.MarkSessionTerminal(ctx, handle.ID, target); err != nil {
		return err
	}
	r.log.Info("recording finished",
		slog.String("session_id", handle.ID),
		slog.String("status", string(target)),
		slog.Int64("captured_ms", captured*1000/int64(r.cfg.SampleRate)))
	return nil
}

// ingest appends a frame to the accumulator and hands every full chunk to
// the flush lane. Runs on the source's delivery goroutine; does no I/O.
// Jobs are enqueued under run.mu so a concurrent finish, which also holds
// run.mu before closing the lane, can never close it between the chunk cut
// and its enqueue.
func (run *sessionRun) ingest(samples []int16, chunkSamples int) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.stopped {
		return
	}
	run.buf = append(run.buf, samples...)
	run.samplePos += int64(len(samples))

	for len(run.buf) >= chunkSamples {
		// Hand the full chunk off and keep accumulating into a fresh
		// buffer so the flush owns its samples exclusively.
		chunk := run.buf[:chunkSamples:chunkSamples]
		restLen := len(run.buf) - chunkSamples
		restCap := chunkSamples
		if restLen > restCap {
			restCap = restLen
		}
		rest := make([]int16, restLen, restCap)
		copy(rest, run.buf[chunkSamples:])
		run.buf = rest

		run.lane.enqueue(flushJob{
			handle:   run.machine.Handle(),
			chunkNum: run.nextChunk,
			samples:  chunk,
		})
		run.nextChunk++
	}
}
