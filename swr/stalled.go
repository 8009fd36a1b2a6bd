package swr

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/swrcache/internal/metrics"
)

// ErrStalledJobs is returned by Healthy while orphaned jobs are detected.
var ErrStalledJobs = errors.New("swr: stalled jobs detected")

// Inspector is the subset of *asynq.Inspector used by the queue and worker.
type Inspector interface {
	ListActiveTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

var _ Inspector = (*asynq.Inspector)(nil)

// StallDetector counts active tasks whose worker stopped heartbeating.
type StallDetector struct {
	inspector Inspector
	queue     string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	stalled   atomic.Int64
}

func NewStallDetector(inspector Inspector, queue string, logger zerolog.Logger, m *metrics.Metrics) *StallDetector {
	return &StallDetector{inspector: inspector, queue: queue, logger: logger, metrics: m}
}

// Check lists active tasks once and records how many are orphaned.
func (d *StallDetector) Check() (int, error) {
	const pageSize = 100
	n := 0
	for page := 1; ; page++ {
		tasks, err := d.inspector.ListActiveTasks(d.queue, asynq.PageSize(pageSize), asynq.Page(page))
		if err != nil {
			return 0, errors.Wrap(err, "swr: list active tasks")
		}
		for _, t := range tasks {
			if t.IsOrphaned {
				n++
				d.logger.Warn().Str("task_id", t.ID).Int("retried", t.Retried).Msg("stalled refresh job")
			}
		}
		if len(tasks) < pageSize {
			break
		}
	}
	d.stalled.Store(int64(n))
	d.metrics.StalledJobs(n)
	return n, nil
}

// Run checks every interval until ctx is done.
func (d *StallDetector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Check(); err != nil {
				d.logger.Error().Err(err).Msg("stalled job check failed")
			}
		}
	}
}

// Healthy fails while the last check found stalled jobs.
func (d *StallDetector) Healthy() error {
	if d == nil {
		return nil
	}
	if n := d.stalled.Load(); n > 0 {
		return errors.Wrapf(ErrStalledJobs, "%d stalled", n)
	}
	return nil
}
