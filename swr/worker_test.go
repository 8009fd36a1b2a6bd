package swr

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/jobs"
	"github.com/briangreenhill/swrcache/model"
)

func TestExponential(t *testing.T) {
	delay := Exponential(DefaultBackoffBase, DefaultBackoffMax)
	task := asynq.NewTask(jobs.TaskRefresh, nil)

	assert.Equal(t, 10*time.Second, delay(0, nil, task))
	assert.Equal(t, 20*time.Second, delay(1, nil, task))
	assert.Equal(t, 40*time.Second, delay(2, nil, task))
	assert.Equal(t, 160*time.Second, delay(4, nil, task))
	assert.Equal(t, time.Hour, delay(12, nil, task))
	assert.Equal(t, time.Hour, delay(100, nil, task))
}

func TestWorkerRefreshesStaleKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := resourceNS.IntKey(1)
	f.seedStale(t, key, `{"id":1,"title":"old"}`)
	f.source.set(resource{ID: 1, Title: "new"}, nil)

	w := NewWorker(f.env, f.registry)
	res, err := w.Process(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "Updated because stale", res.Message)

	sets := f.cache.setCalls()
	require.Len(t, sets, 1)
	assert.Equal(t, model.SourceWorker, sets[0].Source)
	assert.Equal(t, cache.PriorityLow, sets[0].Priority)
	assert.Equal(t, time.Hour, sets[0].TTL)

	entry, found, err := f.cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"id":1,"title":"new"}`, string(entry.Value))
	assert.Equal(t, f.timer.Now(), entry.LastModified)
	assert.Equal(t, model.SourceWorker, entry.Source)
}

func TestWorkerSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := NewWorker(f.env, f.registry)

	res, err := w.Process(ctx, resourceNS.IntKey(9))
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, res.State)
	assert.Equal(t, "Skipped update because cache empty.", res.Message)

	f.seed(t, resourceNS.IntKey(1), `{"id":1,"title":"a"}`)
	res, err = w.Process(ctx, resourceNS.IntKey(1))
	require.NoError(t, err)
	assert.Equal(t, "Skipped update because cache non-stale.", res.Message)

	f.seedStale(t, pageNS.IntKey(1), `{"id":1,"title":"p"}`)
	res, err = w.Process(ctx, pageNS.IntKey(1))
	require.NoError(t, err)
	assert.Equal(t, "Skipped update because SWR disabled.", res.Message)

	assert.Zero(t, f.source.callCount())
}

func TestWorkerSkipsEntryDeletedAfterEnqueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := resourceNS.IntKey(1)
	f.seedStale(t, key, `{"id":1,"title":"a"}`)
	require.NoError(t, f.queue.Enqueue(ctx, key))
	require.NoError(t, f.cache.Remove(ctx, key))

	w := NewWorker(f.env, f.registry)
	payload := f.enqueuer.task(key).Payload()
	require.NoError(t, w.ProcessTask(ctx, asynq.NewTask(jobs.TaskRefresh, payload)))

	assert.Empty(t, f.cache.setCalls())
	assert.Zero(t, f.source.callCount())
}

func TestWorkerInvalidValueKeepsEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := resourceNS.IntKey(1)
	f.seedStale(t, key, `{"id":1,"title":"old"}`)
	f.source.set(map[string]any{"id": 1, "title": ""}, nil)

	w := NewWorker(f.env, f.registry)
	_, err := w.Process(ctx, key)
	require.ErrorIs(t, err, model.ErrInvalidValue)

	entry, found, gerr := f.cache.Get(ctx, key)
	require.NoError(t, gerr)
	require.True(t, found)
	assert.JSONEq(t, `{"id":1,"title":"old"}`, string(entry.Value))
	assert.Empty(t, f.cache.setCalls())

	events := f.reporter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "model.worker", events[0].Location)

	assert.Equal(t, StateRetrying, w.onFailure(ctx, key, 0, jobs.DefaultRetries, err))
	assert.Len(t, f.reporter.Events(), 1, "invalid value is reported once")

	assert.Equal(t, StateExhausted, w.onFailure(ctx, key, jobs.DefaultRetries, jobs.DefaultRetries, err))
	assert.Len(t, f.reporter.Events(), 2)
}

func TestWorkerRetriesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := resourceNS.IntKey(1)
	f.seedStale(t, key, `{"id":1,"title":"old"}`)
	f.source.set(nil, errors.New("upstream 503"))

	w := NewWorker(f.env, f.registry)
	var states []JobState
	for attempt := 0; attempt <= jobs.DefaultRetries; attempt++ {
		_, err := w.Process(ctx, key)
		require.Error(t, err)
		states = append(states, w.onFailure(ctx, key, attempt, jobs.DefaultRetries, err))
	}

	assert.Equal(t, []JobState{
		StateRetrying, StateRetrying, StateRetrying, StateRetrying, StateRetrying, StateExhausted,
	}, states)
	assert.Equal(t, 6, f.source.callCount())
	assert.True(t, states[len(states)-1].Terminal())

	events := f.reporter.Events()
	require.Len(t, events, 6)
	last := events[5]
	assert.Equal(t, "swr.worker", last.Location)
	assert.Equal(t, []string{"swr", "exhausted", key}, last.Fingerprint)
	assert.Equal(t, 5, last.Context["retried"])
}

func TestWorkerBadPayloadSkipsRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := NewWorker(f.env, f.registry)

	err := w.ProcessTask(ctx, asynq.NewTask(jobs.TaskRefresh, []byte(`{"key":""}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, StateExhausted, w.onFailure(ctx, "", 0, jobs.DefaultRetries, err))
}

func TestWorkerDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := resourceNS.IntKey(1)
	f.seedStale(t, key, `{"id":1,"title":"old"}`)
	f.source.set(resource{ID: 1, Title: "new"}, nil)

	w := NewWorker(f.env, f.registry, WithDelay(30*time.Millisecond))
	start := time.Now()
	_, err := w.Process(ctx, key)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWorkerDelayAfterSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	w := NewWorker(f.env, f.registry, WithDelay(30*time.Millisecond))
	start := time.Now()
	res, err := w.Process(ctx, resourceNS.IntKey(404))
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, res.State)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWorkerServerConfig(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.env, f.registry, WithConcurrency(8), WithWorkerQueue("refresh"))

	cfg := w.ServerConfig()
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, map[string]int{"refresh": 1}, cfg.Queues)
	assert.NotNil(t, cfg.RetryDelayFunc)
	assert.NotNil(t, cfg.ErrorHandler)
	assert.Equal(t, asynq.WarnLevel, cfg.LogLevel)
}

func TestWorkerLifecycleWithoutServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := NewWorker(f.env, f.registry)

	assert.Error(t, w.Ready(ctx))
	assert.Error(t, w.Healthy(ctx))
	w.Quit()
}
