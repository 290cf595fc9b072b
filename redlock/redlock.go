// Package redlock is a lease store running the Redlock algorithm over several
// independent Redis nodes through redsync. A lease exists when a majority of
// the nodes store the holder token under the key.
package redlock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	rsredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

// ErrNoClients is returned by NewStore without any Redis node.
var ErrNoClients = errors.New("redlock needs at least one redis client")

// RedlockStore is an implementation of leaselock.Store using redsync.
type RedlockStore struct {
	clients   []redis.UniversalClient
	rs        *redsync.Redsync
	keyPrefix string
}

var _ leaselock.Store = (*RedlockStore)(nil)

// NewStore creates a RedlockStore over one client per independent node.
// WithKeyPrefix namespaces the lease keys.
func NewStore(clients []redis.UniversalClient, opts ...func(config *distlock.LockConfig)) (*RedlockStore, error) {
	if len(clients) == 0 {
		return nil, ErrNoClients
	}

	config := distlock.Apply(opts...)

	pools := make([]rsredis.Pool, len(clients))
	for i, client := range clients {
		pools[i] = goredis.NewPool(client)
	}

	return &RedlockStore{
		clients:   clients,
		rs:        redsync.New(pools...),
		keyPrefix: config.KeyPrefix,
	}, nil
}

// New creates a lease based locker backed by a Redlock quorum.
func New(clients []redis.UniversalClient, opts ...func(config *distlock.LockConfig)) (*leaselock.Locker, error) {
	store, err := NewStore(clients, opts...)
	if err != nil {
		return nil, err
	}

	return leaselock.New(store, opts...), nil
}

// Backend implements leaselock.Store.
func (r *RedlockStore) Backend() string {
	return distlock.BackendRedlock
}

// mutex binds a redsync mutex to key and token. Retries belong to the
// leaselock retry loop, so redsync makes a single try.
func (r *RedlockStore) mutex(key, token string, ttl time.Duration) *redsync.Mutex {
	return r.rs.NewMutex(r.keyPrefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return token, nil }),
		redsync.WithValue(token),
	)
}

// Acquire takes the key on a majority of the nodes.
func (r *RedlockStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	err := r.mutex(key, token, ttl).TryLockContext(ctx)
	if err == nil {
		return true, 0, nil
	}

	if held(err) {
		return false, 0, nil
	}

	return false, 0, err
}

// Release deletes the key on every node that stores token.
func (r *RedlockStore) Release(ctx context.Context, key, token string) (bool, error) {
	ok, err := r.mutex(key, token, 0).UnlockContext(ctx)
	if err != nil && !lost(err) {
		return false, err
	}

	return ok && err == nil, nil
}

// Extend resets the expiry on a majority of the nodes storing token.
func (r *RedlockStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.mutex(key, token, ttl).ExtendContext(ctx)
	if err != nil && !lost(err) {
		return false, err
	}

	return ok && err == nil, nil
}

// Ping checks connectivity to every node.
func (r *RedlockStore) Ping(ctx context.Context) error {
	for _, client := range r.clients {
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	return nil
}

// held reports a lock attempt that lost against a live holder.
func held(err error) bool {
	var taken *redsync.ErrTaken
	return errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed)
}

// lost reports an unlock or extend whose token is no longer stored.
func lost(err error) bool {
	var taken *redsync.ErrTaken
	return errors.As(err, &taken) ||
		errors.Is(err, redsync.ErrLockAlreadyExpired) ||
		errors.Is(err, redsync.ErrExtendFailed)
}
