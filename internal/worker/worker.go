package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/murmurlabs/scribed/internal/bus"
	"github.com/murmurlabs/scribed/internal/config"
	"github.com/murmurlabs/scribed/internal/protocol"
	"github.com/murmurlabs/scribed/internal/store"
	"github.com/murmurlabs/scribed/internal/transcriber"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Worker drains pending chunks into transcripts, independently of capture.
// It is the single consumer of the transcription queue: at most one
// inference runs at any time.
type Worker struct {
	cfg           config.WorkerConfig
	store         *store.Store
	bus           *bus.Client // nil when the bus is disabled
	newRecognizer func() (transcriber.Recognizer, error)
	log           *slog.Logger
	clock         func() time.Time

	// recognizer is loaded lazily on the first claimed chunk and kept
	// resident. loadErr is sticky: once the model fails to load, claimed
	// work is failed rather than retried against a broken backend.
	recognizer transcriber.Recognizer
	loadErr    error
	loadOnce   sync.Once

	inFlight       atomic.Int64
	inferenceGauge metric.Int64UpDownCounter
	outcomes       metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(parent context.Context, cfg config.WorkerConfig, st *store.Store, busClient *bus.Client, log *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		cfg:    cfg,
		store:  st,
		bus:    busClient,
		log:    log,
		clock:  time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	w.newRecognizer = func() (transcriber.Recognizer, error) {
		return transcriber.New(cfg)
	}

	meter := otel.Meter("github.com/murmurlabs/scribed/internal/worker")
	var err error
	w.inferenceGauge, err = meter.Int64UpDownCounter("scribed.inference.in_flight",
		metric.WithDescription("Number of inference calls currently executing (never exceeds 1)"))
	if err != nil {
		log.Warn("failed to create inference gauge", slog.String("error", err.Error()))
	}
	w.outcomes, err = meter.Int64Counter("scribed.transcriptions",
		metric.WithDescription("Transcription attempts by outcome"))
	if err != nil {
		log.Warn("failed to create transcription counter", slog.String("error", err.Error()))
	}
	return w
}

// Start launches the worker loop.
func (w *Worker) Start() {
	if !w.cfg.Enabled {
		return
	}
	w.wg.Add(1)
	go w.loop()
}

// Shutdown signals the loop to stop and waits for it. The signal is honored
// between chunks; an in-progress inference always runs to completion.
func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}

// InFlight reports the number of inference calls currently executing.
func (w *Worker) InFlight() int64 {
	return w.inFlight.Load()
}

func (w *Worker) loop() {
	defer w.wg.Done()

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = time.Duration(w.cfg.PollIntervalMS) * time.Millisecond
	idle.MaxInterval = 8 * idle.InitialInterval

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		claim, err := w.store.ClaimNextPendingChunk(w.ctx)
		if errors.Is(err, store.ErrNoPendingChunks) {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(idle.NextBackOff()):
			}
			continue
		}
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.log.Error("failed to claim chunk", slog.String("error", err.Error()))
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(idle.NextBackOff()):
			}
			continue
		}

		idle.Reset()
		w.process(claim)
	}
}

func (w *Worker) process(claim store.Claim) {
	// Writes and inference outlive a shutdown signal: the claim has been
	// taken and must reach a defined status.
	ctx := context.WithoutCancel(w.ctx)

	rec, err := w.loadRecognizer()
	if err != nil {
		w.log.Error("recognizer unavailable, failing chunk",
			slog.String("chunk_id", claim.ChunkID),
			slog.String("error", err.Error()))
		if ferr := w.store.MarkChunkFailed(ctx, claim.ChunkID); ferr != nil {
			w.log.Error("failed to fail chunk", slog.String("error", ferr.Error()))
		}
		if n, perr := w.store.MarkAllPendingFailed(ctx); perr != nil {
			w.log.Error("failed to poison pending chunks", slog.String("error", perr.Error()))
		} else if n > 0 {
			w.log.Warn("failed all pending chunks after recognizer load failure", slog.Int64("count", n))
		}
		w.countOutcome(ctx, "load_failure")
		return
	}

	w.inFlight.Add(1)
	if w.inferenceGauge != nil {
		w.inferenceGauge.Add(ctx, 1)
	}
	result, err := rec.Transcribe(ctx, claim.FilePath)
	w.inFlight.Add(-1)
	if w.inferenceGauge != nil {
		w.inferenceGauge.Add(ctx, -1)
	}

	if err != nil {
		w.handleFailure(ctx, claim, err)
		return
	}

	if err := w.store.RecordTranscript(ctx, claim.ChunkID, result.Text); err != nil {
		w.log.Error("failed to record transcript",
			slog.String("chunk_id", claim.ChunkID),
			slog.String("error", err.Error()))
		w.handleFailure(ctx, claim, err)
		return
	}

	w.countOutcome(ctx, "transcribed")
	w.log.Info("chunk transcribed",
		slog.String("session_id", claim.SessionID),
		slog.Int("chunk_num", claim.ChunkNum),
		slog.Int("attempt", claim.Attempt))

	if w.bus != nil {
		w.bus.PublishJSON(protocol.SubjectTranscriptReady, protocol.TranscriptReady{
			SessionID: claim.SessionID,
			ChunkNum:  claim.ChunkNum,
			Text:      result.Text,
			Timestamp: w.clock().UTC(),
		})
	}
}

func (w *Worker) handleFailure(ctx context.Context, claim store.Claim, cause error) {
	if claim.Attempt >= w.cfg.MaxAttempts {
		w.log.Error("chunk transcription failed permanently",
			slog.String("session_id", claim.SessionID),
			slog.Int("chunk_num", claim.ChunkNum),
			slog.Int("attempts", claim.Attempt),
			slog.String("error", cause.Error()))
		if err := w.store.MarkChunkFailed(ctx, claim.ChunkID); err != nil {
			w.log.Error("failed to fail chunk", slog.String("error", err.Error()))
		}
		w.countOutcome(ctx, "failed")
		return
	}

	delay := w.retryDelay(claim.Attempt)
	w.log.Warn("chunk transcription failed, will retry",
		slog.String("session_id", claim.SessionID),
		slog.Int("chunk_num", claim.ChunkNum),
		slog.Int("attempt", claim.Attempt),
		slog.Duration("retry_in", delay),
		slog.String("error", cause.Error()))
	if err := w.store.RequeueChunk(ctx, claim.ChunkID, w.clock().Add(delay)); err != nil {
		w.log.Error("failed to requeue chunk", slog.String("error", err.Error()))
	}
	w.countOutcome(ctx, "retried")
}

// retryDelay doubles per attempt from the configured base, capped at the
// configured maximum.
func (w *Worker) retryDelay(attempt int) time.Duration {
	base := time.Duration(w.cfg.RetryBackoffMS) * time.Millisecond
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay := time.Duration(w.cfg.MaxBackoffMS) * time.Millisecond; maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func (w *Worker) loadRecognizer() (transcriber.Recognizer, error) {
	w.loadOnce.Do(func() {
		w.recognizer, w.loadErr = w.newRecognizer()
		if w.loadErr == nil {
			w.log.Info("recognizer loaded", slog.String("mode", w.cfg.Mode))
		}
	})
	return w.recognizer, w.loadErr
}

func (w *Worker) countOutcome(ctx context.Context, outcome string) {
	if w.outcomes != nil {
		w.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
