package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/murmurlabs/scribed/internal/audio"
	"github.com/murmurlabs/scribed/internal/session"
	"github.com/murmurlabs/scribed/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// flushJob carries one chunk's samples to the flush lane. The session handle
// is captured at creation time so the write can always attribute its result,
// even if the recorder has moved on by the time it completes.
type flushJob struct {
	handle   session.Handle
	chunkNum int
	samples  []int16
}

// flushLane serializes chunk flushes for one session on a background
// goroutine. Enqueue never blocks and never drops: jobs accumulate in an
// unbounded queue so the audio callback stays latency-clean. A job becomes
// durable only once its file write and its store record both exist; on an
// unrecoverable write failure the lane halts, retaining the failed job's
// samples and every job behind it.
type flushLane struct {
	writer  *audio.Writer
	store   *store.Store
	log     *slog.Logger
	flushes metric.Int64Counter

	mu     sync.Mutex
	jobs   []flushJob
	closed bool
	wake   chan struct{}
	done   chan struct{}

	failMu sync.Mutex
	err    error
}

func newFlushLane(writer *audio.Writer, st *store.Store, log *slog.Logger) *flushLane {
	l := &flushLane{
		writer: writer,
		store:  st,
		log:    log,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	meter := otel.Meter("github.com/murmurlabs/scribed/internal/capture")
	counter, err := meter.Int64Counter("scribed.chunks.flushed",
		metric.WithDescription("Chunks durably written and registered"))
	if err != nil {
		log.Warn("failed to create flush counter", slog.String("error", err.Error()))
	} else {
		l.flushes = counter
	}
	go l.run()
	return l
}

// enqueue appends a flush job. Safe to call from the audio callback. A job
// arriving after close cannot be flushed anymore; that is an ordering bug in
// the caller, and it surfaces as a lane failure so the session can never be
// marked terminal with the chunk silently missing.
func (l *flushLane) enqueue(job flushJob) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Error("flush job enqueued after lane close",
			slog.String("session_id", job.handle.ID),
			slog.Int("chunk_num", job.chunkNum))
		l.failMu.Lock()
		if l.err == nil {
			l.err = fmt.Errorf("chunk %d of session %s enqueued after flush lane close", job.chunkNum, job.handle.ID)
		}
		l.failMu.Unlock()
		return
	}
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// close marks the lane as accepting no further jobs. Pending jobs still run.
func (l *flushLane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// wait blocks until every enqueued job has been flushed (or the lane halted
// on an unrecoverable failure) and returns the lane's failure, if any.
func (l *flushLane) wait() error {
	<-l.done
	l.failMu.Lock()
	defer l.failMu.Unlock()
	return l.err
}

func (l *flushLane) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.jobs) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		job := l.jobs[0]
		l.jobs = l.jobs[1:]
		l.mu.Unlock()

		if err := l.flush(job); err != nil {
			l.log.Error("chunk flush failed, halting flush lane",
				slog.String("session_id", job.handle.ID),
				slog.Int("chunk_num", job.chunkNum),
				slog.String("error", err.Error()))
			l.failMu.Lock()
			l.err = err
			l.failMu.Unlock()
			return
		}
	}
}

func (l *flushLane) flush(job flushJob) error {
	path, err := l.writer.WriteChunk(job.handle.ID, job.chunkNum, job.samples)
	if err != nil {
		return err
	}
	durationMS := l.writer.DurationMS(len(job.samples))
	if _, err := l.store.AppendChunk(context.Background(), job.handle.ID, job.chunkNum, path, durationMS); err != nil {
		return err
	}
	if l.flushes != nil {
		l.flushes.Add(context.Background(), 1)
	}
	l.log.Debug("chunk flushed",
		slog.String("session_id", job.handle.ID),
		slog.Int("chunk_num", job.chunkNum),
		slog.Int64("duration_ms", durationMS))
	return nil
}
