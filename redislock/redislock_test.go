package redislock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
	"github.com/companyinfo/distlock/leaselock/storetest"
	"github.com/companyinfo/distlock/redislock"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestRedisStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) leaselock.Store {
		_, client := setupRedis(t)
		return redislock.NewStore(client)
	})
}

func TestAcquireSetsTTLAndToken(t *testing.T) {
	mr, client := setupRedis(t)
	store := redislock.NewStore(client, distlock.WithKeyPrefix("app:"))
	ctx := context.Background()

	ok, _, err := store.Acquire(ctx, "res", "token-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	value, err := mr.Get("app:res")
	require.NoError(t, err)
	assert.Equal(t, "token-a", value)
	assert.Equal(t, 5*time.Second, mr.TTL("app:res"))
	assert.False(t, mr.Exists("res"))
}

func TestAcquireRoundsTTLUpToMillisecond(t *testing.T) {
	mr, client := setupRedis(t)
	store := redislock.NewStore(client)

	ok, _, err := store.Acquire(context.Background(), "res", "token-a", 1500*time.Microsecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Millisecond, mr.TTL("res"))
}

func TestAcquireConflictReportsRemainingTTL(t *testing.T) {
	mr, client := setupRedis(t)
	store := redislock.NewStore(client)
	ctx := context.Background()

	ok, _, err := store.Acquire(ctx, "res", "token-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, remaining, err := store.Acquire(ctx, "res", "token-b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3*time.Second, remaining)

	value, err := mr.Get("res")
	require.NoError(t, err)
	assert.Equal(t, "token-a", value, "failed attempt must not touch the lease")
}

func TestExtendResetsTTL(t *testing.T) {
	mr, client := setupRedis(t)
	store := redislock.NewStore(client)
	ctx := context.Background()

	ok, _, err := store.Acquire(ctx, "res", "token-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(4 * time.Second)

	extended, err := store.Extend(ctx, "res", "token-a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, 5*time.Second, mr.TTL("res"))
}

func TestStaleHolderCannotReleaseNewLease(t *testing.T) {
	mr, client := setupRedis(t)
	locker := redislock.New(client)
	ctx := context.Background()

	a, ok := locker.Lock(ctx, "res", time.Second, 0, time.Millisecond)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("res"))

	b, ok := locker.Lock(ctx, "res", 10*time.Second, 0, time.Millisecond)
	require.True(t, ok)

	released, err := locker.ReleaseLock(ctx, a)
	require.NoError(t, err)
	assert.False(t, released)

	value, err := mr.Get("res")
	require.NoError(t, err)
	assert.Equal(t, b.Token(), value)

	released, err = locker.ReleaseLock(ctx, b)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("res"))
}

func TestTwoCallersRace(t *testing.T) {
	_, client := setupRedis(t)
	locker := redislock.New(client)
	ctx := context.Background()

	type result struct {
		h  distlock.Handle
		ok bool
	}

	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, ok := locker.Lock(ctx, "job:42", 5*time.Second, 0, 100*time.Millisecond)
			results <- result{h, ok}
		}()
	}

	first, second := <-results, <-results
	assert.NotEqual(t, first.ok, second.ok, "exactly one caller wins the race")

	winner := first
	if !winner.ok {
		winner = second
	}

	released, err := locker.ReleaseLock(ctx, winner.h)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestWaiterAcquiresAfterHolderReleases(t *testing.T) {
	_, client := setupRedis(t)
	locker := redislock.New(client)
	ctx := context.Background()

	holder, ok := locker.Lock(ctx, "job:42", 5*time.Second, 3, 100*time.Millisecond)
	require.True(t, ok)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(150 * time.Millisecond)
		_, _ = locker.ReleaseLock(ctx, holder)
	}()

	h, ok := locker.Lock(ctx, "job:42", 5*time.Second, 3, 100*time.Millisecond)
	wg.Wait()
	require.True(t, ok)

	released, err := locker.ReleaseLock(ctx, h)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestWaiterGivesUpWhileHolderKeepsLock(t *testing.T) {
	_, client := setupRedis(t)
	locker := redislock.New(client)
	ctx := context.Background()

	holder, ok := locker.Lock(ctx, "job:42", 5*time.Second, 3, 100*time.Millisecond)
	require.True(t, ok)

	start := time.Now()
	h, ok := locker.Lock(ctx, "job:42", 5*time.Second, 3, 100*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, h)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	released, err := locker.ReleaseLock(ctx, holder)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestSubMillisecondExpireStillHoldsLease(t *testing.T) {
	mr, client := setupRedis(t)
	locker := redislock.New(client)
	ctx := context.Background()

	holder, ok := locker.Lock(ctx, "job:42", 500*time.Microsecond, 0, time.Millisecond)
	require.True(t, ok)
	require.True(t, mr.Exists("job:42"), "lease must be stored")
	assert.Equal(t, time.Millisecond, mr.TTL("job:42"))

	h, ok := locker.Lock(ctx, "job:42", 500*time.Microsecond, 0, time.Millisecond)
	assert.False(t, ok, "a held lease excludes a second caller")
	assert.Nil(t, h)

	released, err := locker.ReleaseLock(ctx, holder)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestWatchdogKeepsLeaseAlive(t *testing.T) {
	mr, client := setupRedis(t)
	locker := redislock.New(client, distlock.WithWatchdogTTL(300*time.Millisecond))
	ctx := context.Background()

	h, ok := locker.Lock(ctx, "res", distlock.WatchdogExpire, 0, time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 300*time.Millisecond, mr.TTL("res"))

	for i := 0; i < 2; i++ {
		// Let most of the lease run out on the server clock, then give the
		// watchdog a renewal interval to restore it.
		mr.FastForward(250 * time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		require.True(t, mr.Exists("res"))
		assert.Greater(t, mr.TTL("res"), 100*time.Millisecond)
	}

	assert.GreaterOrEqual(t, h.(*leaselock.Handle).Renewals(), int64(2))

	released, err := locker.ReleaseLock(ctx, h)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("res"))

	time.Sleep(150 * time.Millisecond)
	assert.False(t, mr.Exists("res"), "renewal after release must not recreate the lease")
}

func TestWatchdogReportsLostLease(t *testing.T) {
	mr, client := setupRedis(t)
	locker := redislock.New(client, distlock.WithWatchdogTTL(90*time.Millisecond))
	ctx := context.Background()

	h, ok := locker.Lock(ctx, "res", distlock.WatchdogExpire, 0, time.Millisecond)
	require.True(t, ok)

	require.NoError(t, mr.Set("res", "someone-else"))

	select {
	case <-h.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost lease was not reported")
	}

	released, err := locker.ReleaseLock(ctx, h)
	require.NoError(t, err)
	assert.False(t, released)

	value, err := mr.Get("res")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestConnectivityErrors(t *testing.T) {
	mr, client := setupRedis(t)
	locker := redislock.New(client, distlock.WithLogger(testr.New(t)))
	t.Cleanup(func() { distlock.InitializeLogger(logr.Discard()) })
	ctx := context.Background()

	h, ok := locker.Lock(ctx, "res", 5*time.Second, 0, time.Millisecond)
	require.True(t, ok)

	mr.SetError("LOADING server is loading")

	_, ok = locker.Lock(ctx, "other", 5*time.Second, 1, time.Millisecond)
	assert.False(t, ok)

	released, err := locker.ReleaseLock(ctx, h)
	assert.False(t, released)
	require.Error(t, err)

	mr.SetError("")

	released, err = locker.ReleaseLock(ctx, h)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestClientOverloads(t *testing.T) {
	mr, client := setupRedis(t)
	c := distlock.NewClient(redislock.New(client), distlock.WithDefaultExpire(7*time.Second))
	ctx := context.Background()

	h, ok := c.Lock(ctx, "res")
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, mr.TTL("res"))

	_, ok = c.LockRetrySleep(ctx, "res", 1, time.Millisecond)
	assert.False(t, ok)

	released, err := c.ReleaseLock(ctx, h)
	require.NoError(t, err)
	assert.True(t, released)

	h, ok = c.LockExpire(ctx, "res", 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, mr.TTL("res"))

	released, err = c.ReleaseLock(ctx, h)
	require.NoError(t, err)
	assert.True(t, released)
}
