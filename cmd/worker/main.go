package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/briangreenhill/swrcache/internal/app"
	"github.com/briangreenhill/swrcache/internal/config"
	"github.com/briangreenhill/swrcache/internal/logging"
	"github.com/briangreenhill/swrcache/internal/metrics"
	"github.com/briangreenhill/swrcache/model"
	"github.com/briangreenhill/swrcache/swr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New(nil, "info", false)
		l.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(nil, cfg.LogLevel, cfg.LogPretty).With().Str("process", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("swr")
	a, err := app.New(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup")
	}
	defer a.Close()

	// The worker never enqueues: its refreshes write through Refresh, not Get.
	env := a.Env(model.NoopQueue{})
	redisOpt := a.RedisOpt()
	insp := asynq.NewInspector(redisOpt)
	defer insp.Close()
	w := swr.NewWorker(env, a.Registry,
		swr.WithConcurrency(cfg.Queue.Concurrency),
		swr.WithDelay(cfg.Queue.WorkerDelay),
		swr.WithWorkerQueue(cfg.Queue.Name),
		swr.WithInspector(insp),
	)
	if err := w.Start(redisOpt); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	defer w.Quit()
	w.CheckStalledJobs(ctx, cfg.Queue.StalledCheckPeriod)

	// Probes and metrics for the orchestrator.
	r := chi.NewRouter()
	r.Get("/healthz", probe(w.Healthy))
	r.Get("/readyz", probe(w.Ready))
	r.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("probe server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func probe(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := check(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}
