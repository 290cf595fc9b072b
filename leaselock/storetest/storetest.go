// Package storetest is a conformance suite for leaselock.Store
// implementations. Each store package runs it against a real or embedded
// instance of its service.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/distlock/leaselock"
)

// TTL is the lease ttl used by the suite. It is long enough that no lease
// expires while a case runs.
const TTL = 30 * time.Second

// Run executes every conformance case against the store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) leaselock.Store) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, store leaselock.Store, key string)
	}{
		{"AcquireConflict", acquireConflict},
		{"ReleaseRequiresToken", releaseRequiresToken},
		{"ReleaseTwice", releaseTwice},
		{"ReleaseUnknownKey", releaseUnknownKey},
		{"ExtendRequiresToken", extendRequiresToken},
		{"ExtendAfterRelease", extendAfterRelease},
		{"ReacquireAfterRelease", reacquireAfterRelease},
		{"ConcurrentAcquire", concurrentAcquire},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			tc.fn(t, store, "storetest:"+tc.name+":"+uuid.NewString())
		})
	}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return c
}

func acquireConflict(t *testing.T, store leaselock.Store, key string) {
	ok, _, err := store.Acquire(ctx(t), key, "token-a", TTL)
	require.NoError(t, err)
	require.True(t, ok)

	ok, remaining, err := store.Acquire(ctx(t), key, "token-b", TTL)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, TTL)
}

func releaseRequiresToken(t *testing.T, store leaselock.Store, key string) {
	ok, _, err := store.Acquire(ctx(t), key, "token-a", TTL)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := store.Release(ctx(t), key, "token-b")
	require.NoError(t, err)
	assert.False(t, released, "a foreign token must not delete the lease")

	ok, _, err = store.Acquire(ctx(t), key, "token-c", TTL)
	require.NoError(t, err)
	assert.False(t, ok, "lease must survive a foreign release")

	released, err = store.Release(ctx(t), key, "token-a")
	require.NoError(t, err)
	assert.True(t, released)
}

func releaseTwice(t *testing.T, store leaselock.Store, key string) {
	ok, _, err := store.Acquire(ctx(t), key, "token-a", TTL)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := store.Release(ctx(t), key, "token-a")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = store.Release(ctx(t), key, "token-a")
	require.NoError(t, err)
	assert.False(t, released)
}

func releaseUnknownKey(t *testing.T, store leaselock.Store, key string) {
	released, err := store.Release(ctx(t), key, "token-a")
	require.NoError(t, err)
	assert.False(t, released)
}

func extendRequiresToken(t *testing.T, store leaselock.Store, key string) {
	ok, _, err := store.Acquire(ctx(t), key, "token-a", TTL)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := store.Extend(ctx(t), key, "token-b", TTL)
	require.NoError(t, err)
	assert.False(t, extended)

	extended, err = store.Extend(ctx(t), key, "token-a", TTL)
	require.NoError(t, err)
	assert.True(t, extended)

	released, err := store.Release(ctx(t), key, "token-a")
	require.NoError(t, err)
	assert.True(t, released, "lease must still carry the holder token after extension")
}

func extendAfterRelease(t *testing.T, store leaselock.Store, key string) {
	ok, _, err := store.Acquire(ctx(t), key, "token-a", TTL)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := store.Release(ctx(t), key, "token-a")
	require.NoError(t, err)
	require.True(t, released)

	extended, err := store.Extend(ctx(t), key, "token-a", TTL)
	require.NoError(t, err)
	assert.False(t, extended)

	ok, _, err = store.Acquire(ctx(t), key, "token-b", TTL)
	require.NoError(t, err)
	assert.True(t, ok, "extension of a released lease must not recreate it")
}

func reacquireAfterRelease(t *testing.T, store leaselock.Store, key string) {
	for _, token := range []string{"token-a", "token-b", "token-c"} {
		ok, _, err := store.Acquire(ctx(t), key, token, TTL)
		require.NoError(t, err)
		require.True(t, ok, token)

		released, err := store.Release(ctx(t), key, token)
		require.NoError(t, err)
		require.True(t, released, token)
	}
}

func concurrentAcquire(t *testing.T, store leaselock.Store, key string) {
	const contenders = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			ok, _, err := store.Acquire(context.Background(), key, token, TTL)
			if err == nil && ok {
				mu.Lock()
				winners = append(winners, token)
				mu.Unlock()
			}
		}(uuid.NewString())
	}

	wg.Wait()
	require.Len(t, winners, 1)

	released, err := store.Release(ctx(t), key, winners[0])
	require.NoError(t, err)
	assert.True(t, released)
}
