// cmd/api/main.go
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

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/swrcache/internal/app"
	"github.com/briangreenhill/swrcache/internal/config"
	"github.com/briangreenhill/swrcache/internal/http/routes"
	"github.com/briangreenhill/swrcache/internal/logging"
	"github.com/briangreenhill/swrcache/internal/metrics"
	"github.com/briangreenhill/swrcache/swr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New(nil, "info", false)
		l.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(nil, cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("swr")
	a, err := app.New(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup")
	}
	defer a.Close()

	// Queue
	redisOpt := a.RedisOpt()
	insp := asynq.NewInspector(redisOpt)
	defer insp.Close()
	queue := swr.NewQueue(asynq.NewClient(redisOpt), a.Cache, a.Registry,
		swr.WithQueueName(cfg.Queue.Name),
		swr.WithQueueInspector(insp),
		swr.WithQueueLogger(logger.With().Str("component", "swr-queue").Logger()),
		swr.WithQueueMetrics(m),
		swr.WithQueueTimer(a.Timer),
	)
	defer func() {
		if err := queue.Quit(); err != nil {
			logger.Warn().Err(err).Msg("close queue")
		}
	}()
	queue.CheckStalledJobs(ctx, cfg.Queue.StalledCheckPeriod)

	env := a.Env(queue)
	models, err := a.Models(env)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup")
	}

	// Router / server
	s := routes.New(routes.ServerOptions{
		Cache:    a.Cache,
		Registry: a.Registry,
		Env:      env,
		Models:   models,
		Metrics:  m,
		Logger:   logger,
		Checks: []routes.Check{
			{Name: "cache", Probe: a.Cache.Ready},
			{Name: "queue", Probe: queue.Healthy},
		},
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Int("port", cfg.Port).Strs("instances", cfg.Instances).Msg("starting api")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server stopped")
	}
}
