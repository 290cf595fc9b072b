package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockLock is an in-memory Locker for unit tests of code that consumes the
// lock contract. It honours expire, retries and tokens but has no watchdog:
// WatchdogExpire holds the lock until release.
type MockLock struct {
	acquiredLocks map[string]mockLease
	mutex         sync.Mutex
}

type mockLease struct {
	token      string
	expiration time.Time
}

type mockHandle struct {
	key   string
	token string
	lost  *Signal
}

func (h *mockHandle) Key() string           { return h.key }
func (h *mockHandle) Token() string         { return h.token }
func (h *mockHandle) Lost() <-chan struct{} { return h.lost.Done() }

// NewMockLock creates a new instance of MockLock.
func NewMockLock() *MockLock {
	return &MockLock{
		acquiredLocks: make(map[string]mockLease),
	}
}

// Lock simulates acquiring a lock.
func (m *MockLock) Lock(
	ctx context.Context,
	key string,
	expire time.Duration,
	retryTimes int,
	sleep time.Duration) (Handle, bool) {
	if key == "" {
		return nil, false
	}

	expire, retryTimes, sleep = Normalize(expire, retryTimes, sleep)

	var handle *mockHandle
	acquired := Retry(ctx, BackendMock, key, retryTimes, sleep, func(context.Context) bool {
		handle = m.tryLock(key, expire)
		return handle != nil
	})
	if !acquired {
		return nil, false
	}

	return handle, true
}

func (m *MockLock) tryLock(key string, expire time.Duration) *mockHandle {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	if lease, exists := m.acquiredLocks[key]; exists {
		if lease.expiration.IsZero() || now.Before(lease.expiration) {
			return nil
		}
	}

	lease := mockLease{token: uuid.NewString()}
	if expire != WatchdogExpire {
		lease.expiration = now.Add(expire)
	}

	m.acquiredLocks[key] = lease

	return &mockHandle{key: key, token: lease.token, lost: NewSignal()}
}

// ReleaseLock simulates releasing a lock.
func (m *MockLock) ReleaseLock(_ context.Context, h Handle) (bool, error) {
	handle, ok := h.(*mockHandle)
	if !ok {
		return false, nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	lease, exists := m.acquiredLocks[handle.key]
	if !exists || lease.token != handle.token {
		return false, nil
	}

	delete(m.acquiredLocks, handle.key)
	if !lease.expiration.IsZero() && time.Now().After(lease.expiration) {
		handle.lost.Fire()
		return false, nil
	}

	return true, nil
}

// IsLocked reports whether key is currently held by anyone.
func (m *MockLock) IsLocked(key string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	lease, exists := m.acquiredLocks[key]

	return exists && (lease.expiration.IsZero() || time.Now().Before(lease.expiration))
}
