package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/scribed/internal/audio"
	"github.com/murmurlabs/scribed/internal/bus"
	"github.com/murmurlabs/scribed/internal/capture"
	"github.com/murmurlabs/scribed/internal/config"
	"github.com/murmurlabs/scribed/internal/store"
	"github.com/murmurlabs/scribed/internal/worker"
)

// Runtime assembles the capture pipeline, the store, the transcription
// worker, and the HTTP surface, and runs them until the context is done.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	busClient  *bus.Client
	recorder   *capture.Recorder
	worker     *worker.Worker
	httpServer *http.Server

	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st
	defer st.Close()

	if err := st.Prune(ctx); err != nil {
		r.logger.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	var source capture.Source
	if r.cfg.Bus.Enabled {
		busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.busClient = busClient
		defer busClient.Close()
		source = capture.NewNATSSource(busClient, r.cfg.Capture.SampleRate, r.cfg.Capture.Channels, r.logger)
	} else {
		source = capture.NewSilenceSource(r.cfg.Capture.SampleRate, 20)
	}

	writer := audio.NewWriter(r.cfg.Capture, r.logger)
	r.recorder = capture.NewRecorder(r.cfg.Capture, st, writer, source, r.logger)

	r.worker = worker.New(ctx, r.cfg.Worker, st, r.busClient, r.logger)
	r.worker.Start()
	defer r.worker.Shutdown()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	r.registerAPI(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("scribed started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("scribed stopping")
	r.ready.Store(false)

	// A live recording must be flushed before the process exits.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	if err := r.recorder.Stop(stopCtx); err != nil && !errors.Is(err, capture.ErrNotRecording) {
		r.logger.Error("failed to stop active recording", slog.String("error", err.Error()))
	}
	cancelStop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
