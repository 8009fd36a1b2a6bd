package model

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/errorsink"
	"github.com/briangreenhill/swrcache/timer"
)

type item struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Trashed bool   `json:"trashed"`
}

func (i item) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.ID, validation.Required),
		validation.Field(&i.Title, validation.Required),
	)
}

const itemNS cache.Namespace = "res/"

// fakeSource stands in for the source of record.
type fakeSource struct {
	mu     sync.Mutex
	calls  int
	values map[int]any
	err    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{values: map[int]any{}}
}

func (s *fakeSource) fetch(_ context.Context, id int, _ *item) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.values[id]
	if !ok {
		return nil, errors.Newf("no item %d", id)
	}
	return v, nil
}

func (s *fakeSource) set(id int, v any) {
	s.mu.Lock()
	s.values[id] = v
	s.mu.Unlock()
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newItemSpec(src *fakeSource) *QuerySpec[int, item] {
	return &QuerySpec[int, item]{
		Name:            "item",
		Namespace:       itemNS,
		GetKey:          itemNS.IntKey,
		GetPayload:      itemNS.ParseInt,
		GetCurrentValue: src.fetch,
		Decoder:         JSON[item]("Item"),
		EnableSwr:       true,
		StaleAfter:      time.Minute,
		MaxAge:          time.Hour,
		Examples:        []int{1, 3, 42},
	}
}

// spyCache records every Set it forwards.
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

// recordingQueue remembers enqueued keys.
type recordingQueue struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, key)
	return q.err
}

func (q *recordingQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.keys...)
}

type fixture struct {
	env      Environment
	cache    *spyCache
	store    cache.Store
	queue    *recordingQueue
	timer    *timer.MockTimer
	reporter *errorsink.Recorder
	source   *fakeSource
	query    *Query[int, item]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tm := timer.NewMock()
	tm.Set(1_000_000)
	store := cache.NewMemoryStore(context.Background(), time.Minute)
	c := &spyCache{Cache: cache.New(store, tm)}
	t.Cleanup(func() { _ = c.Quit(context.Background()) })

	f := &fixture{
		cache:    c,
		store:    store,
		queue:    &recordingQueue{},
		timer:    tm,
		reporter: &errorsink.Recorder{},
		source:   newFakeSource(),
	}
	f.env = Environment{Cache: c, Queue: f.queue, Timer: tm, Reporter: f.reporter}

	q, err := NewQuery(newItemSpec(f.source), f.env)
	require.NoError(t, err)
	f.query = q
	return f
}

// seed stores v under key as if a query had cached it now.
func (f *fixture) seed(t *testing.T, id int, raw string) {
	t.Helper()
	require.NoError(t, f.cache.Cache.Set(context.Background(), cache.SetArgs{
		Key:    itemNS.IntKey(id),
		Value:  []byte(raw),
		TTL:    time.Hour,
		Source: SourceQuery,
	}))
}
