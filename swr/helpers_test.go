package swr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/errorsink"
	"github.com/briangreenhill/swrcache/model"
	"github.com/briangreenhill/swrcache/timer"
)

type resource struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func (r resource) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Title, validation.Required),
	)
}

const (
	resourceNS cache.Namespace = "de.example.org/api/resource/"
	pageNS     cache.Namespace = "de.example.org/api/page/"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	value any
	err   error
}

func (s *fakeSource) fetch(context.Context, int, *resource) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.value, s.err
}

func (s *fakeSource) set(v any, err error) {
	s.mu.Lock()
	s.value, s.err = v, err
	s.mu.Unlock()
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func specFor(ns cache.Namespace, name string, swr bool, src *fakeSource) *model.QuerySpec[int, resource] {
	return &model.QuerySpec[int, resource]{
		Name:            name,
		Namespace:       ns,
		GetKey:          ns.IntKey,
		GetPayload:      ns.ParseInt,
		GetCurrentValue: src.fetch,
		Decoder:         model.JSON[resource]("Resource"),
		EnableSwr:       swr,
		StaleAfter:      time.Minute,
		MaxAge:          time.Hour,
		Examples:        []int{1, 2},
	}
}

// fakeEnqueuer mimics asynq's task id uniqueness.
type fakeEnqueuer struct {
	mu      sync.Mutex
	tasks   map[string]*asynq.Task
	opts    map[string][]asynq.Option
	calls   int
	pingErr error
	closed  bool
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{tasks: map[string]*asynq.Task{}, opts: map[string][]asynq.Option{}}
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	id, queue := "", "default"
	for _, o := range opts {
		switch o.Type() {
		case asynq.TaskIDOpt:
			id = o.Value().(string)
		case asynq.QueueOpt:
			queue = o.Value().(string)
		}
	}
	if id == "" {
		return nil, errors.New("task id required")
	}
	if _, ok := e.tasks[id]; ok {
		return nil, asynq.ErrTaskIDConflict
	}
	e.tasks[id] = task
	e.opts[id] = opts
	return &asynq.TaskInfo{ID: id, Queue: queue, State: asynq.TaskStatePending}, nil
}

func (e *fakeEnqueuer) Ping() error { return e.pingErr }

func (e *fakeEnqueuer) Close() error {
	e.closed = true
	return nil
}

func (e *fakeEnqueuer) task(id string) *asynq.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[id]
}

func (e *fakeEnqueuer) taskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func (e *fakeEnqueuer) remove(id string) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
}

type fakeInspector struct {
	enqueuer *fakeEnqueuer
	active   []*asynq.TaskInfo
	states   map[string]asynq.TaskState
	deleted  []string
	listErr  error
}

func (i *fakeInspector) ListActiveTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return i.active, i.listErr
}

func (i *fakeInspector) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	state, ok := i.states[id]
	if !ok {
		return nil, asynq.ErrTaskNotFound
	}
	return &asynq.TaskInfo{ID: id, Queue: queue, State: state}, nil
}

func (i *fakeInspector) DeleteTask(_, id string) error {
	i.deleted = append(i.deleted, id)
	i.enqueuer.remove(id)
	return nil
}

type spyCache struct {
	cache.Cache
	mu   sync.Mutex
	sets []cache.SetArgs
}

func (c *spyCache) Set(ctx context.Context, args cache.SetArgs) error {
	c.mu.Lock()
	c.sets = append(c.sets, args)
	c.mu.Unlock()
	return c.Cache.Set(ctx, args)
}

func (c *spyCache) setCalls() []cache.SetArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cache.SetArgs(nil), c.sets...)
}

type fixture struct {
	env      model.Environment
	cache    *spyCache
	timer    *timer.MockTimer
	reporter *errorsink.Recorder
	source   *fakeSource
	registry *model.Registry
	enqueuer *fakeEnqueuer
	queue    *Queue
}

func newFixture(t *testing.T, opts ...QueueOption) *fixture {
	t.Helper()
	tm := timer.NewMock()
	tm.Set(5_000_000)
	c := &spyCache{Cache: cache.New(cache.NewMemoryStore(context.Background(), time.Minute), tm)}
	t.Cleanup(func() { _ = c.Quit(context.Background()) })

	src := &fakeSource{}
	reg, err := model.NewRegistry(
		specFor(resourceNS, "resource", true, src),
		specFor(pageNS, "page", false, src),
	)
	require.NoError(t, err)

	f := &fixture{
		cache:    c,
		timer:    tm,
		reporter: &errorsink.Recorder{},
		source:   src,
		registry: reg,
		enqueuer: newFakeEnqueuer(),
	}
	f.queue = NewQueue(f.enqueuer, c, reg, append([]QueueOption{WithQueueTimer(tm)}, opts...)...)
	f.env = model.Environment{Cache: c, Queue: f.queue, Timer: tm, Reporter: f.reporter}
	return f
}

func (f *fixture) seed(t *testing.T, key, raw string) {
	t.Helper()
	require.NoError(t, f.cache.Cache.Set(context.Background(), cache.SetArgs{
		Key:    key,
		Value:  []byte(raw),
		TTL:    time.Hour,
		Source: model.SourceQuery,
	}))
}

// seedStale stores raw under key and moves the clock past staleAfter.
func (f *fixture) seedStale(t *testing.T, key, raw string) {
	t.Helper()
	f.seed(t, key, raw)
	f.timer.Advance(2 * time.Minute)
}
