package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultQueryTimeout bounds every Redis round trip.
	DefaultQueryTimeout = 5 * time.Second

	maxTxRetries = 16
	scanCount    = 500
)

type redisStore struct {
	client       redis.UniversalClient
	prefix       string
	queryTimeout time.Duration
}

var _ Store = (*redisStore)(nil)

// NewRedisStore returns a Store backed by Redis. Keys are stored under
// prefix. The caller owns the client; Close is a no-op.
func NewRedisStore(client redis.UniversalClient, prefix string) Store {
	return &redisStore{client: client, prefix: prefix, queryTimeout: DefaultQueryTimeout}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

func (s *redisStore) key(k string) string {
	return s.prefix + k
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	b, err := s.client.Get(qctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis get %q", key)
	}
	return b, true, nil
}

// Update uses optimistic WATCH/MULTI and retries when another writer wins.
func (s *redisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			found, current = false, nil
		} else if err != nil {
			return err
		}
		next, write, err := fn(current, found)
		if err != nil || !write {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, ttl)
			return nil
		})
		return err
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(qctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "redis update %q", key)
		}
		return nil
	}
	return errors.Newf("redis update %q: too many concurrent writers", key)
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return errors.Wrapf(s.client.Del(qctx, s.key(key)).Err(), "redis del %q", key)
}

func (s *redisStore) scan(ctx context.Context, each func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanCount).Result()
		if err != nil {
			return errors.Wrap(err, "redis scan")
		}
		if len(keys) > 0 {
			if err := each(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	var out []string
	err := s.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			out = append(out, k[len(s.prefix):])
		}
		return nil
	})
	return out, err
}

func (s *redisStore) Flush(ctx context.Context) error {
	return s.scan(ctx, func(keys []string) error {
		return errors.Wrap(s.client.Del(ctx, keys...).Err(), "redis flush")
	})
}

func (s *redisStore) Ping(ctx context.Context) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return errors.Wrap(s.client.Ping(qctx).Err(), "redis ping")
}

// Close is a no-op; the caller owns the client.
func (s *redisStore) Close() error {
	return nil
}
