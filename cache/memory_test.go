package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises the behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		v, found, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, v)
	})

	t.Run("update creates and replaces", func(t *testing.T) {
		err := store.Update(ctx, "k1", 0, func(current []byte, found bool) ([]byte, bool, error) {
			assert.False(t, found)
			return []byte("one"), true, nil
		})
		require.NoError(t, err)

		err = store.Update(ctx, "k1", 0, func(current []byte, found bool) ([]byte, bool, error) {
			assert.True(t, found)
			assert.Equal(t, "one", string(current))
			return []byte("two"), true, nil
		})
		require.NoError(t, err)

		v, found, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "two", string(v))
	})

	t.Run("update without write", func(t *testing.T) {
		err := store.Update(ctx, "k1", 0, func([]byte, bool) ([]byte, bool, error) {
			return []byte("ignored"), false, nil
		})
		require.NoError(t, err)
		v, _, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "two", string(v))
	})

	t.Run("keys delete flush", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, "de.example.org/api/resource/1", 0, func([]byte, bool) ([]byte, bool, error) {
			return []byte("r"), true, nil
		}))
		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k1", "de.example.org/api/resource/1"}, keys)

		require.NoError(t, store.Delete(ctx, "k1"))
		require.NoError(t, store.Delete(ctx, "k1"))
		_, found, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.Flush(ctx))
		keys, err = store.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(context.Background(), time.Minute)
	defer store.Close()
	storeContract(t, store)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx, 10*time.Millisecond)
	defer store.Close()

	require.NoError(t, store.Update(ctx, "short", 20*time.Millisecond, func([]byte, bool) ([]byte, bool, error) {
		return []byte("v"), true, nil
	}))
	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, found)

	assert.Eventually(t, func() bool {
		_, found, _ := store.Get(ctx, "short")
		return !found
	}, time.Second, 10*time.Millisecond)

	// Expired items look absent to updates as well.
	require.NoError(t, store.Update(ctx, "short", 0, func(current []byte, found bool) ([]byte, bool, error) {
		assert.False(t, found)
		assert.Nil(t, current)
		return nil, false, nil
	}))
}

func TestMemoryStoreConcurrentUpdatesAreAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx, time.Minute)
	defer store.Close()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(ctx, "n", 0, func(current []byte, _ bool) ([]byte, bool, error) {
				return append(current, 'x'), true, nil
			})
		}()
	}
	wg.Wait()

	v, _, err := store.Get(ctx, "n")
	require.NoError(t, err)
	assert.Len(t, v, writers)
}

func TestMemoryStoreClose(t *testing.T) {
	store := NewMemoryStore(context.Background(), time.Minute)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Ping(context.Background()), ErrClosed)
}
