package cache

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

type memoryStore struct {
	ctx       context.Context
	cancel    context.CancelFunc
	items     *xsync.MapOf[string, memoryItem]
	waitGroup sync.WaitGroup
	once      sync.Once
	sweep     time.Duration
}

var _ Store = (*memoryStore)(nil)

// NewMemoryStore returns an in-process Store. Expired items are removed on
// access and by a background sweep every sweepInterval (default 1 minute).
func NewMemoryStore(parent context.Context, sweepInterval time.Duration) Store {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(parent)
	s := &memoryStore{
		ctx:    ctx,
		cancel: cancel,
		items:  xsync.NewMapOf[string, memoryItem](),
		sweep:  sweepInterval,
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, ok := s.items.Load(key)
	if !ok || item.expired(time.Now()) {
		return nil, false, nil
	}
	cp := make([]byte, len(item.value))
	copy(cp, item.value)
	return cp, true, nil
}

func (s *memoryStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	var fnErr error
	s.items.Compute(key, func(old memoryItem, loaded bool) (memoryItem, bool) {
		now := time.Now()
		if loaded && old.expired(now) {
			loaded = false
		}
		var current []byte
		if loaded {
			current = old.value
		}
		next, write, err := fn(current, loaded)
		if err != nil || !write {
			fnErr = err
			return old, !loaded
		}
		item := memoryItem{value: append([]byte(nil), next...)}
		if ttl > 0 {
			item.expiresAt = now.Add(ttl)
		}
		return item, false
	})
	return fnErr
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.items.Delete(key)
	return nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	now := time.Now()
	keys := make([]string, 0, s.items.Size())
	s.items.Range(func(key string, item memoryItem) bool {
		if !item.expired(now) {
			keys = append(keys, key)
		}
		return true
	})
	return keys, nil
}

func (s *memoryStore) Flush(_ context.Context) error {
	s.items.Clear()
	return nil
}

func (s *memoryStore) Ping(_ context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}

func (s *memoryStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.items.Range(func(key string, item memoryItem) bool {
				if item.expired(now) {
					s.items.Compute(key, func(old memoryItem, loaded bool) (memoryItem, bool) {
						return old, !loaded || old.expired(now)
					})
				}
				return true
			})
		}
	}
}
