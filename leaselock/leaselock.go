// Package leaselock implements the lease based lock backend on top of any
// Store offering three atomic single round trip primitives: create a lease if
// absent, delete it if the token matches and extend it if the token matches.
//
// Every successful acquisition mints a fresh holder token. Release and renewal
// present that token, so a holder whose lease expired and was taken over can
// never disturb the new holder's lease.
package leaselock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/companyinfo/distlock"
)

//go:generate mockgen -source=leaselock.go -destination=mock_store_test.go -package=leaselock_test

// Store is a lease store. Each method must be a single atomic operation
// against the backing service.
type Store interface {
	// Backend names the store for logs, spans and metrics.
	Backend() string

	// Acquire creates the lease key=token with the given ttl if key is absent.
	// When the key is held it reports false and, if the store knows it, the
	// remaining ttl of the current lease.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error)

	// Release deletes key only if it currently stores token.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend resets the ttl of key only if it currently stores token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Locker implements distlock.Locker over a Store.
type Locker struct {
	store       Store
	watchdogTTL time.Duration
}

var _ distlock.Locker = (*Locker)(nil)

// New creates a lease based Locker. WithWatchdogTTL sets the baseline ttl of
// watchdog mode.
func New(store Store, opts ...func(config *distlock.LockConfig)) *Locker {
	config := distlock.Apply(opts...)

	return &Locker{
		store:       store,
		watchdogTTL: config.WatchdogTTL,
	}
}

// Store returns the underlying lease store.
func (l *Locker) Store() Store {
	return l.store
}

// Lock acquires key. With distlock.WatchdogExpire the lease is created with the
// watchdog baseline ttl and renewed every ttl/3 until ReleaseLock.
func (l *Locker) Lock(
	ctx context.Context,
	key string,
	expire time.Duration,
	retryTimes int,
	sleep time.Duration) (distlock.Handle, bool) {
	backend := l.store.Backend()
	if key == "" {
		distlock.GetLogger().Error(distlock.ErrEmptyKey, "refusing to lock", "backend", backend)
		return nil, false
	}

	expire, retryTimes, sleep = distlock.Normalize(expire, retryTimes, sleep)

	ttl := expire
	watch := expire == distlock.WatchdogExpire
	if watch {
		ttl = l.watchdogTTL
	}

	var handle *Handle
	acquired := distlock.Retry(ctx, backend, key, retryTimes, sleep, func(ctx context.Context) bool {
		handle = l.acquire(ctx, key, ttl)
		return handle != nil
	})
	if !acquired {
		return nil, false
	}

	if watch {
		handle.watchdog = l.startWatchdog(handle)
	}

	return handle, true
}

// acquire makes one attempt. A failed attempt leaves nothing behind since the
// store call is a single conditional write.
func (l *Locker) acquire(ctx context.Context, key string, ttl time.Duration) *Handle {
	backend := l.store.Backend()
	startTime := time.Now()
	ctx, span := distlock.RecordStart(ctx, backend, distlock.ActionAcquire, key)
	defer span.End()

	token := uuid.NewString()
	acquired, remaining, err := l.store.Acquire(ctx, key, token, ttl)
	if err != nil {
		_ = distlock.HandleError(ctx, span, err, backend, distlock.ActionAcquire, "failed to acquire lock", key)
		return nil
	}

	if !acquired {
		distlock.RecordRejected(ctx, span, backend, distlock.ActionAcquire,
			"lock is already held by another process", key)
		distlock.GetLogger().V(2).Info("current lease", "lockID", key, "remaining", remaining)

		return nil
	}

	distlock.RecordSuccess(ctx, span, startTime, backend, distlock.ActionAcquiredSuccessfully, key)

	return &Handle{
		key:   key,
		token: token,
		ttl:   ttl,
		lost:  distlock.NewSignal(),
	}
}

// ReleaseLock deletes the lease of h if it still carries h's token. A second
// release of the same handle reports false without touching the store.
func (l *Locker) ReleaseLock(ctx context.Context, h distlock.Handle) (bool, error) {
	handle, ok := h.(*Handle)
	if !ok || handle == nil {
		distlock.GetLogger().V(1).Info(distlock.ErrForeignHandle.Error(), "backend", l.store.Backend())
		return false, nil
	}

	if !handle.released.CompareAndSwap(false, true) {
		return false, nil
	}

	handle.stopWatchdog()

	backend := l.store.Backend()
	startTime := time.Now()
	ctx, span := distlock.RecordStart(ctx, backend, distlock.ActionRelease, handle.key)
	defer span.End()

	released, err := l.store.Release(ctx, handle.key, handle.token)
	if err != nil {
		// Let the caller try again. Renewal resumes so the lease does not
		// lapse while the handle still counts as held.
		if handle.watchdog != nil && !isLost(handle) {
			handle.watchdog.start(l, handle)
		}
		handle.released.Store(false)

		return false, distlock.HandleError(ctx, span, err, backend, distlock.ActionRelease,
			"failed to release lock", handle.key)
	}

	if !released {
		distlock.RecordRejected(ctx, span, backend, distlock.ActionRelease,
			"lock was not held or already released", handle.key)
		if handle.lost.Fire() {
			distlock.RecordLost(ctx, backend, handle.key, "lease expired before release")
		}

		return false, nil
	}

	distlock.RecordSuccess(ctx, span, startTime, backend, distlock.ActionReleasedSuccessfully, handle.key)

	return true, nil
}

// renew extends the lease of h by its ttl.
func (l *Locker) renew(ctx context.Context, h *Handle) (bool, error) {
	backend := l.store.Backend()
	startTime := time.Now()
	ctx, span := distlock.RecordStart(ctx, backend, distlock.ActionRenew, h.key)
	defer span.End()

	renewed, err := l.store.Extend(ctx, h.key, h.token, h.ttl)
	if err != nil {
		return false, distlock.HandleError(ctx, span, err, backend, distlock.ActionRenew,
			"failed to renew lock", h.key)
	}

	if !renewed {
		distlock.RecordRejected(ctx, span, backend, distlock.ActionRenew,
			"lock was not held or already released", h.key)

		return false, nil
	}

	distlock.RecordSuccess(ctx, span, startTime, backend, distlock.ActionRenewedSuccessfully, h.key)

	return true, nil
}
