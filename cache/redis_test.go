package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	_, client := newTestRedis(t)
	storeContract(t, NewRedisStore(client, "swr:"))
}

func TestRedisStorePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	require.NoError(t, mr.Set("other:key", "x"))

	store := NewRedisStore(client, "swr:")
	require.NoError(t, store.Update(ctx, "a", 0, func([]byte, bool) ([]byte, bool, error) {
		return []byte("1"), true, nil
	}))
	assert.True(t, mr.Exists("swr:a"))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, store.Flush(ctx))
	assert.False(t, mr.Exists("swr:a"))
	assert.True(t, mr.Exists("other:key"))
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, "")

	require.NoError(t, store.Update(ctx, "k", time.Minute, func([]byte, bool) ([]byte, bool, error) {
		return []byte("v"), true, nil
	}))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewRedisStore(client, "")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Update(ctx, "n", 0, func(current []byte, _ bool) ([]byte, bool, error) {
				return append(current, 'x'), true, nil
			}))
		}()
	}
	wg.Wait()

	v, _, err := store.Get(ctx, "n")
	require.NoError(t, err)
	assert.Len(t, v, writers)
}

func TestRedisStoreWithCache(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	c := New(NewRedisStore(client, "swr:"), nil)
	defer c.Quit(ctx)

	require.NoError(t, c.Set(ctx, SetArgs{Key: "k", Value: []byte(`{"a":true}`), Source: "query"}))
	e, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"a":true}`, string(e.Value))
	assert.NoError(t, c.Ready(ctx))
}
