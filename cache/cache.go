package cache

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/briangreenhill/swrcache/timer"
)

const (
	// DefaultWriteSlots is the number of concurrent store writes allowed.
	DefaultWriteSlots = 8
	// DefaultLowPrioritySlots caps how many of those may be background writes.
	DefaultLowPrioritySlots = 2
)

type config struct {
	serializer Serializer
	writeSlots int64
	lowSlots   int64
}

// Option configures a Cache.
type Option func(*config)

// WithSerializer overrides the default msgpack serializer.
func WithSerializer(s Serializer) Option {
	return func(c *config) { c.serializer = s }
}

// WithWriteSlots sets how many writes may hit the store concurrently.
func WithWriteSlots(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.writeSlots = int64(n)
		}
	}
}

// WithLowPrioritySlots sets how many concurrent writes may be low priority.
func WithLowPrioritySlots(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.lowSlots = int64(n)
		}
	}
}

type storeCache struct {
	store  Store
	timer  timer.Timer
	ser    Serializer
	writes *semaphore.Weighted
	low    *semaphore.Weighted
	closed atomic.Bool
}

var _ Cache = (*storeCache)(nil)

// New returns a Cache over store. lastModified is taken from t at write
// time; a nil t uses the system clock.
func New(store Store, t timer.Timer, opts ...Option) Cache {
	if t == nil {
		t = timer.System()
	}
	cfg := config{
		serializer: Msgpack(),
		writeSlots: DefaultWriteSlots,
		lowSlots:   DefaultLowPrioritySlots,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.lowSlots > cfg.writeSlots {
		cfg.lowSlots = cfg.writeSlots
	}
	return &storeCache{
		store:  store,
		timer:  t,
		ser:    cfg.serializer,
		writes: semaphore.NewWeighted(cfg.writeSlots),
		low:    semaphore.NewWeighted(cfg.lowSlots),
	}
}

func (c *storeCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if c.closed.Load() {
		return Entry{}, false, ErrClosed
	}
	b, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return Entry{}, false, err
	}
	e, err := c.ser.Unmarshal(b)
	if err != nil {
		return Entry{}, false, errors.Mark(errors.Wrapf(err, "cache: key %q", key), ErrCorruptEntry)
	}
	return e, true, nil
}

func (c *storeCache) Set(ctx context.Context, args SetArgs) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if (args.Value == nil) == (args.GetValue == nil) {
		return ErrInvalidSet
	}

	release, err := c.acquire(ctx, args.Priority)
	if err != nil {
		return err
	}
	defer release()

	return c.store.Update(ctx, args.Key, args.TTL, func(current []byte, found bool) ([]byte, bool, error) {
		var prev *Entry
		if found {
			e, err := c.ser.Unmarshal(current)
			if err == nil {
				prev = &e
			}
		}

		value := args.Value
		if args.GetValue != nil {
			var currentValue []byte
			if prev != nil {
				currentValue = prev.Value
			}
			next, write, err := args.GetValue(currentValue)
			if err != nil || !write {
				return nil, false, err
			}
			value = next
		}

		now := c.timer.Now()
		if prev != nil && prev.LastModified > now {
			now = prev.LastModified
		}
		b, err := c.ser.Marshal(Entry{Value: value, LastModified: now, Source: args.Source})
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	})
}

// acquire takes a write slot, and for low priority writes a low slot first,
// so background writes can never hold every slot.
func (c *storeCache) acquire(ctx context.Context, p Priority) (func(), error) {
	if p == PriorityLow {
		if err := c.low.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(err, "cache: acquire low priority slot")
		}
	}
	if err := c.writes.Acquire(ctx, 1); err != nil {
		if p == PriorityLow {
			c.low.Release(1)
		}
		return nil, errors.Wrap(err, "cache: acquire write slot")
	}
	return func() {
		c.writes.Release(1)
		if p == PriorityLow {
			c.low.Release(1)
		}
	}, nil
}

func (c *storeCache) Remove(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.store.Delete(ctx, key)
}

func (c *storeCache) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.store.Flush(ctx)
}

func (c *storeCache) Keys(ctx context.Context) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.store.Keys(ctx)
}

func (c *storeCache) Ready(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.store.Ping(ctx)
}

func (c *storeCache) Quit(_ context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.store.Close()
}
