package swr

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/jobs"
	"github.com/briangreenhill/swrcache/internal/metrics"
	"github.com/briangreenhill/swrcache/model"
	"github.com/briangreenhill/swrcache/timer"
)

// Enqueue outcomes.
const (
	OutcomeEnqueued     = "enqueued"
	OutcomeDeduplicated = "deduplicated"
	OutcomeSkipped      = "skipped"
	OutcomeError        = "error"
)

// Enqueuer is the subset of *asynq.Client used by Queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Ping() error
	Close() error
}

var _ Enqueuer = (*asynq.Client)(nil)

// Queue submits refresh jobs, at most one per key.
type Queue struct {
	client    Enqueuer
	inspector Inspector
	stall     *StallDetector
	cache     cache.Cache
	timer     timer.Timer
	registry  *model.Registry
	name      string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	group     singleflight.Group
}

var _ model.SwrQueue = (*Queue)(nil)

type QueueOption func(*Queue)

// WithQueueName sets the asynq queue jobs are sent to.
func WithQueueName(name string) QueueOption {
	return func(q *Queue) {
		if name != "" {
			q.name = name
		}
	}
}

// WithQueueInspector lets the queue replace finished jobs that still hold
// their id, and enables stalled job detection in Healthy.
func WithQueueInspector(i Inspector) QueueOption {
	return func(q *Queue) { q.inspector = i }
}

func WithQueueLogger(l zerolog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

func WithQueueTimer(t timer.Timer) QueueOption {
	return func(q *Queue) { q.timer = t }
}

func NewQueue(client Enqueuer, c cache.Cache, reg *model.Registry, opts ...QueueOption) *Queue {
	q := &Queue{
		client:   client,
		cache:    c,
		timer:    timer.System(),
		registry: reg,
		name:     jobs.DefaultQueue,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	if q.inspector != nil {
		q.stall = NewStallDetector(q.inspector, q.name, q.logger, q.metrics)
	}
	return q
}

// Enqueue schedules a refresh of key when ShouldProcess allows it.
// Concurrent calls for one key in this process share a single attempt; the
// broker rejects ids that are already queued.
func (q *Queue) Enqueue(ctx context.Context, key string) error {
	_, err, _ := q.group.Do(key, func() (any, error) {
		return nil, q.enqueue(ctx, key)
	})
	return err
}

func (q *Queue) enqueue(ctx context.Context, key string) error {
	log := q.logger.With().Str("key", key).Logger()

	d, err := ShouldProcess(ctx, q.cache, q.timer, q.registry, key)
	if err != nil {
		q.metrics.Enqueue(OutcomeError)
		return err
	}
	if !d.Process {
		q.metrics.Enqueue(OutcomeSkipped)
		log.Debug().Str("reason", d.Reason).Msg("refresh not needed")
		return nil
	}

	task, err := jobs.NewRefreshTask(key)
	if err != nil {
		q.metrics.Enqueue(OutcomeError)
		return errors.Wrapf(err, "swr: build task %q", key)
	}
	opts := jobs.RefreshOptions(key, q.name)

	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if isDuplicate(err) && q.releaseFinished(key) {
		info, err = q.client.EnqueueContext(ctx, task, opts...)
	}
	switch {
	case isDuplicate(err):
		q.metrics.Enqueue(OutcomeDeduplicated)
		log.Debug().Msg("refresh already queued")
		return nil
	case err != nil:
		q.metrics.Enqueue(OutcomeError)
		return errors.Wrapf(err, "swr: enqueue %q", key)
	}

	q.metrics.Enqueue(OutcomeEnqueued)
	q.metrics.JobState(StateEnqueued.String())
	log.Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("refresh enqueued")
	return nil
}

// releaseFinished deletes an archived or completed job holding key's id so
// a new refresh can take its place. Pending and active jobs are kept.
func (q *Queue) releaseFinished(key string) bool {
	if q.inspector == nil {
		return false
	}
	info, err := q.inspector.GetTaskInfo(q.name, key)
	if err != nil {
		return false
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false
	}
	if err := q.inspector.DeleteTask(q.name, key); err != nil {
		q.logger.Warn().Err(err).Str("key", key).Msg("could not release finished refresh job")
		return false
	}
	return true
}

func isDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// Ready reports whether the broker is reachable.
func (q *Queue) Ready(context.Context) error {
	return errors.Wrap(q.client.Ping(), "swr: queue not ready")
}

// Healthy is Ready plus the result of the last stalled job check.
func (q *Queue) Healthy(ctx context.Context) error {
	if err := q.Ready(ctx); err != nil {
		return err
	}
	return q.stall.Healthy()
}

// CheckStalledJobs runs stalled job detection every interval until ctx is
// done. It is a no-op without an inspector.
func (q *Queue) CheckStalledJobs(ctx context.Context, interval time.Duration) {
	if q.stall == nil || interval <= 0 {
		return
	}
	go q.stall.Run(ctx, interval)
}

// Quit closes the broker connection.
func (q *Queue) Quit() error {
	return q.client.Close()
}
