package leaselock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

func newMockStore(t *testing.T) *MockStore {
	t.Helper()

	store := NewMockStore(gomock.NewController(t))
	store.EXPECT().Backend().Return("mock").AnyTimes()

	return store
}

func TestLockPassesExpireAsTTL(t *testing.T) {
	store := newMockStore(t)
	ctx := context.Background()

	var token string
	store.EXPECT().Acquire(gomock.Any(), "res", gomock.Any(), 7*time.Second).
		DoAndReturn(func(_ context.Context, _, tok string, _ time.Duration) (bool, time.Duration, error) {
			token = tok
			return true, 0, nil
		})
	store.EXPECT().Release(gomock.Any(), "res", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, tok string) (bool, error) {
			assert.Equal(t, token, tok)
			return true, nil
		})

	locker := leaselock.New(store)
	h, ok := locker.Lock(ctx, "res", 7*time.Second, 0, time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, token, h.Token())

	released, err := locker.ReleaseLock(ctx, h)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestLockNormalizesExpire(t *testing.T) {
	store := newMockStore(t)
	store.EXPECT().Acquire(gomock.Any(), "res", gomock.Any(), distlock.DefaultExpire).Return(true, time.Duration(0), nil)
	store.EXPECT().Release(gomock.Any(), "res", gomock.Any()).Return(true, nil)

	locker := leaselock.New(store)
	h, ok := locker.Lock(context.Background(), "res", -5*time.Second, 0, time.Millisecond)
	require.True(t, ok)

	released, err := locker.ReleaseLock(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestLockRaisesSubMillisecondExpire(t *testing.T) {
	store := newMockStore(t)
	store.EXPECT().Acquire(gomock.Any(), "res", gomock.Any(), time.Millisecond).Return(true, time.Duration(0), nil)

	locker := leaselock.New(store)
	_, ok := locker.Lock(context.Background(), "res", 500*time.Microsecond, 0, time.Millisecond)
	require.True(t, ok)
}

func TestWatchdogUsesBaselineTTL(t *testing.T) {
	store := newMockStore(t)
	ttl := 300 * time.Millisecond

	store.EXPECT().Acquire(gomock.Any(), "res", gomock.Any(), ttl).Return(true, time.Duration(0), nil)
	store.EXPECT().Extend(gomock.Any(), "res", gomock.Any(), ttl).Return(true, nil).MinTimes(1)
	store.EXPECT().Release(gomock.Any(), "res", gomock.Any()).Return(true, nil)

	locker := leaselock.New(store, distlock.WithWatchdogTTL(ttl))
	h, ok := locker.Lock(context.Background(), "res", distlock.WatchdogExpire, 0, time.Millisecond)
	require.True(t, ok)

	time.Sleep(ttl/3 + 50*time.Millisecond)

	released, err := locker.ReleaseLock(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestEveryAttemptMintsAToken(t *testing.T) {
	store := newMockStore(t)

	tokens := make(map[string]bool)
	store.EXPECT().Acquire(gomock.Any(), "res", gomock.Any(), time.Second).
		DoAndReturn(func(_ context.Context, _, tok string, _ time.Duration) (bool, time.Duration, error) {
			tokens[tok] = true
			return false, 500 * time.Millisecond, nil
		}).Times(3)

	locker := leaselock.New(store)
	_, ok := locker.Lock(context.Background(), "res", time.Second, 2, time.Millisecond)
	assert.False(t, ok)
	assert.Len(t, tokens, 3)
}

func TestReleaseErrorIsReturned(t *testing.T) {
	store := newMockStore(t)
	boom := errors.New("boom")

	store.EXPECT().Acquire(gomock.Any(), "res", gomock.Any(), time.Second).Return(true, time.Duration(0), nil)
	gomock.InOrder(
		store.EXPECT().Release(gomock.Any(), "res", gomock.Any()).Return(false, boom),
		store.EXPECT().Release(gomock.Any(), "res", gomock.Any()).Return(true, nil),
	)

	locker := leaselock.New(store)
	h, ok := locker.Lock(context.Background(), "res", time.Second, 0, time.Millisecond)
	require.True(t, ok)

	released, err := locker.ReleaseLock(context.Background(), h)
	require.ErrorIs(t, err, boom)
	assert.False(t, released)

	released, err = locker.ReleaseLock(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, released)
}
