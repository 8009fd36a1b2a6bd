package cache

import (
	"context"
	"strings"
	"time"
)

// prefixStore namespaces every key of an underlying Store.
type prefixStore struct {
	next   Store
	prefix string
}

var _ Store = (*prefixStore)(nil)

// WithPrefix adapts store so all keys are stored under prefix. Keys and
// Flush only see keys under that prefix.
func WithPrefix(store Store, prefix string) Store {
	if prefix == "" {
		return store
	}
	return &prefixStore{next: store, prefix: prefix}
}

func (p *prefixStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.next.Get(ctx, p.prefix+key)
}

func (p *prefixStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	return p.next.Update(ctx, p.prefix+key, ttl, fn)
}

func (p *prefixStore) Delete(ctx context.Context, key string) error {
	return p.next.Delete(ctx, p.prefix+key)
}

func (p *prefixStore) Keys(ctx context.Context) ([]string, error) {
	all, err := p.next.Keys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, p.prefix) {
			keys = append(keys, strings.TrimPrefix(k, p.prefix))
		}
	}
	return keys, nil
}

func (p *prefixStore) Flush(ctx context.Context) error {
	keys, err := p.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := p.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (p *prefixStore) Ping(ctx context.Context) error {
	return p.next.Ping(ctx)
}

func (p *prefixStore) Close() error {
	return p.next.Close()
}
