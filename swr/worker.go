package swr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/errorsink"
	"github.com/briangreenhill/swrcache/internal/jobs"
	"github.com/briangreenhill/swrcache/model"
	"github.com/briangreenhill/swrcache/timer"
)

const (
	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = 10 * time.Second
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = time.Hour
	// DefaultConcurrency is the number of jobs processed in parallel.
	DefaultConcurrency = 4
)

// Exponential returns an asynq RetryDelayFunc waiting base, 2*base,
// 4*base, ... between attempts, capped at ceiling.
func Exponential(base, ceiling time.Duration) func(n int, err error, t *asynq.Task) time.Duration {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		if n < 0 {
			n = 0
		}
		d := float64(base) * math.Pow(2, float64(n))
		if d > float64(ceiling) {
			return ceiling
		}
		return time.Duration(d)
	}
}

// Worker processes refresh jobs: it re-checks staleness, fetches and
// validates the value, and stores it at low priority.
type Worker struct {
	env         model.Environment
	registry    *model.Registry
	queue       string
	concurrency int
	delay       time.Duration
	inspector   Inspector
	stall       *StallDetector

	mu     sync.Mutex
	server *asynq.Server
}

var _ asynq.Handler = (*Worker)(nil)

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithDelay adds an artificial pause after every processed job.
func WithDelay(d time.Duration) WorkerOption {
	return func(w *Worker) { w.delay = d }
}

func WithWorkerQueue(name string) WorkerOption {
	return func(w *Worker) {
		if name != "" {
			w.queue = name
		}
	}
}

// WithInspector enables stalled job detection.
func WithInspector(i Inspector) WorkerOption {
	return func(w *Worker) { w.inspector = i }
}

func NewWorker(env model.Environment, reg *model.Registry, opts ...WorkerOption) *Worker {
	if env.Reporter == nil {
		env.Reporter = errorsink.Nop()
	}
	if env.Timer == nil {
		env.Timer = timer.System()
	}
	w := &Worker{
		env:         env,
		registry:    reg,
		queue:       jobs.DefaultQueue,
		concurrency: DefaultConcurrency,
	}
	for _, o := range opts {
		o(w)
	}
	if w.inspector != nil {
		w.stall = NewStallDetector(w.inspector, w.queue, env.Logger, env.Metrics)
	}
	return w
}

// Process refreshes key once. A returned error fails the attempt.
func (w *Worker) Process(ctx context.Context, key string) (JobResult, error) {
	d, err := ShouldProcess(ctx, w.env.Cache, w.env.Timer, w.registry, key)
	if err != nil {
		return JobResult{}, err
	}
	if !d.Process {
		w.pause(ctx)
		return JobResult{State: StateSkipped, Message: "Skipped update because " + d.Reason}, nil
	}

	err = d.Spec.Refresh(ctx, w.env, key, model.RefreshOptions{
		Source:   model.SourceWorker,
		Priority: cache.PriorityLow,
	})
	if err != nil {
		return JobResult{}, err
	}

	w.pause(ctx)
	return JobResult{State: StateSucceeded, Message: "Updated because stale"}, nil
}

// pause waits for the configured delay after a processed job.
func (w *Worker) pause(ctx context.Context) {
	if w.delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.delay):
	}
}

// ProcessTask implements asynq.Handler.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	p, err := jobs.ParseRefreshPayload(t.Payload())
	if err != nil {
		w.env.Logger.Error().Err(err).Msg("dropping refresh job")
		return errors.Wrapf(asynq.SkipRetry, "%v", err)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	log := w.env.Logger.With().Str("key", p.Key).Int("retried", retried).Logger()

	w.env.Metrics.JobState(StateRunning.String())
	log.Debug().Msg("refresh running")
	start := time.Now()

	res, err := w.Process(ctx, p.Key)
	if err != nil {
		return err
	}

	w.env.Metrics.JobState(res.State.String())
	log.Debug().
		Str("state", res.State.String()).
		Dur("duration", time.Since(start)).
		Msg(res.Message)
	if rw := t.ResultWriter(); rw != nil {
		if _, err := rw.Write([]byte(res.Message)); err != nil {
			log.Warn().Err(err).Msg("could not write job result")
		}
	}
	return nil
}

// handleError is the asynq ErrorHandler.
func (w *Worker) handleError(ctx context.Context, t *asynq.Task, err error) {
	key := ""
	if p, perr := jobs.ParseRefreshPayload(t.Payload()); perr == nil {
		key = p.Key
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	w.onFailure(ctx, key, retried, maxRetry, err)
}

// onFailure classifies a failed attempt, then logs, counts and reports it.
// Invalid values are reported where they are detected, so a retry caused by
// one is not reported again.
func (w *Worker) onFailure(ctx context.Context, key string, retried, maxRetry int, err error) JobState {
	state := StateRetrying
	if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
		state = StateExhausted
	}
	w.env.Metrics.JobState(state.String())

	log := w.env.Logger.With().Str("key", key).Int("retried", retried).Int("max_retry", maxRetry).Logger()
	if state == StateExhausted {
		log.Error().Err(err).Msg("refresh job exhausted")
	} else {
		log.Warn().Err(err).Msg("refresh job failed, retrying")
	}

	if state == StateRetrying && errors.Is(err, model.ErrInvalidValue) {
		return state
	}
	w.env.Reporter.Capture(ctx, errorsink.Event{
		Error:       err,
		Location:    "swr.worker",
		Fingerprint: []string{"swr", state.String(), key},
		Context: map[string]any{
			"key":       key,
			"state":     state.String(),
			"retried":   retried,
			"max_retry": maxRetry,
		},
	})
	return state
}

// ServerConfig is the asynq configuration the worker runs with.
func (w *Worker) ServerConfig() asynq.Config {
	return asynq.Config{
		Concurrency:    w.concurrency,
		Queues:         map[string]int{w.queue: 1},
		RetryDelayFunc: Exponential(DefaultBackoffBase, DefaultBackoffMax),
		ErrorHandler:   asynq.ErrorHandlerFunc(w.handleError),
		Logger:         asynqLogger{w.env.Logger},
		LogLevel:       asynq.WarnLevel,
	}
}

// Start connects to Redis and begins processing in the background.
func (w *Worker) Start(opt asynq.RedisConnOpt) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server != nil {
		return errors.New("swr: worker already started")
	}
	mux := asynq.NewServeMux()
	mux.Handle(jobs.TaskRefresh, w)

	srv := asynq.NewServer(opt, w.ServerConfig())
	if err := srv.Start(mux); err != nil {
		return errors.Wrap(err, "swr: start worker")
	}
	w.server = srv
	w.env.Logger.Info().Int("concurrency", w.concurrency).Str("queue", w.queue).Msg("worker running")
	return nil
}

// Ready reports whether the worker is started and its broker reachable.
func (w *Worker) Ready(context.Context) error {
	w.mu.Lock()
	srv := w.server
	w.mu.Unlock()
	if srv == nil {
		return errors.New("swr: worker not started")
	}
	return errors.Wrap(srv.Ping(), "swr: worker not ready")
}

// Healthy is Ready plus the result of the last stalled job check.
func (w *Worker) Healthy(ctx context.Context) error {
	if err := w.Ready(ctx); err != nil {
		return err
	}
	return w.stall.Healthy()
}

// CheckStalledJobs runs stalled job detection every interval until ctx is
// done. It is a no-op without an inspector.
func (w *Worker) CheckStalledJobs(ctx context.Context, interval time.Duration) {
	if w.stall == nil || interval <= 0 {
		return
	}
	go w.stall.Run(ctx, interval)
}

// Quit waits for running jobs and stops the worker.
func (w *Worker) Quit() {
	w.mu.Lock()
	srv := w.server
	w.server = nil
	w.mu.Unlock()
	if srv != nil {
		srv.Shutdown()
	}
}

// asynqLogger routes asynq's own logs through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
