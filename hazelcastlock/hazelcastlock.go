// Package hazelcastlock is the Hazelcast lease store. Leases are entries of a
// distributed map whose value is the holder token and whose entry ttl is the
// lease ttl.
package hazelcastlock

import (
	"context"
	"time"

	"github.com/hazelcast/hazelcast-go-client"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

// HazelcastStore is an implementation of leaselock.Store using Hazelcast.
type HazelcastStore struct {
	client  *hazelcast.Client
	mapName string
}

var _ leaselock.Store = (*HazelcastStore)(nil)

// NewStore creates a new HazelcastStore on the map named by WithMapName.
func NewStore(client *hazelcast.Client, opts ...func(config *distlock.LockConfig)) *HazelcastStore {
	config := distlock.Apply(opts...)

	return &HazelcastStore{
		client:  client,
		mapName: config.Map,
	}
}

// New creates a lease based locker backed by Hazelcast.
func New(client *hazelcast.Client, opts ...func(config *distlock.LockConfig)) *leaselock.Locker {
	return leaselock.New(NewStore(client, opts...), opts...)
}

// Backend implements leaselock.Store.
func (h *HazelcastStore) Backend() string {
	return distlock.BackendHazelcast
}

// Acquire puts key=token with ttl if key is absent.
func (h *HazelcastStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	leases, err := h.client.GetMap(ctx, h.mapName)
	if err != nil {
		return false, 0, err
	}

	previous, err := leases.PutIfAbsentWithTTL(ctx, key, token, ttl)
	if err != nil {
		return false, 0, err
	}

	return previous == nil, 0, nil
}

// Release removes key if it still maps to token.
func (h *HazelcastStore) Release(ctx context.Context, key, token string) (bool, error) {
	leases, err := h.client.GetMap(ctx, h.mapName)
	if err != nil {
		return false, err
	}

	return leases.RemoveIfSame(ctx, key, token)
}

// Extend resets the entry ttl if key still maps to token. The key is locked
// for the check so that no other holder can slip in between.
func (h *HazelcastStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	leases, err := h.client.GetMap(ctx, h.mapName)
	if err != nil {
		return false, err
	}

	lockCtx := leases.NewLockContext(ctx)
	if err = leases.Lock(lockCtx, key); err != nil {
		return false, err
	}

	defer func() {
		if err := leases.Unlock(lockCtx, key); err != nil {
			distlock.GetLogger().Error(err, "failed to unlock lease entry", "lockID", key, "backend", distlock.BackendHazelcast)
		}
	}()

	current, err := leases.Get(lockCtx, key)
	if err != nil {
		return false, err
	}

	if current != token {
		return false, nil
	}

	if err = leases.SetTTL(lockCtx, key, ttl); err != nil {
		return false, err
	}

	return true, nil
}
