// Package consullock is the Consul lease store. The lease ttl lives on a
// Consul session created with the delete behavior; the lock key is acquired
// by that session and stores the holder token. Invalidating the session, by
// expiry or destroy, deletes the key.
package consullock

import (
	"context"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

// Consul bounds session ttls to this range.
const (
	minSessionTTL = 10 * time.Second
	maxSessionTTL = 24 * time.Hour
)

// ConsulStore is an implementation of leaselock.Store using Consul.
type ConsulStore struct {
	client    *api.Client
	keyPrefix string
}

var _ leaselock.Store = (*ConsulStore)(nil)

// NewStore creates a new ConsulStore. WithKeyPrefix namespaces the lease keys.
func NewStore(client *api.Client, opts ...func(config *distlock.LockConfig)) *ConsulStore {
	config := distlock.Apply(opts...)

	return &ConsulStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
	}
}

// New creates a lease based locker backed by Consul.
func New(client *api.Client, opts ...func(config *distlock.LockConfig)) *leaselock.Locker {
	return leaselock.New(NewStore(client, opts...), opts...)
}

// Backend implements leaselock.Store.
func (c *ConsulStore) Backend() string {
	return distlock.BackendConsul
}

// sessionTTL clamps ttl into the range Consul accepts.
func sessionTTL(ttl time.Duration) string {
	switch {
	case ttl < minSessionTTL:
		ttl = minSessionTTL
	case ttl > maxSessionTTL:
		ttl = maxSessionTTL
	}

	return ttl.Truncate(time.Second).String()
}

// Acquire creates a session with ttl and acquires key with it.
func (c *ConsulStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	write := (&api.WriteOptions{}).WithContext(ctx)

	sessionID, _, err := c.client.Session().Create(&api.SessionEntry{
		Name:      "distlock:" + key,
		TTL:       sessionTTL(ttl),
		LockDelay: 0,
		Behavior:  api.SessionBehaviorDelete,
	}, write)
	if err != nil {
		return false, 0, err
	}

	acquired, _, err := c.client.KV().Acquire(&api.KVPair{
		Key:     c.keyPrefix + key,
		Value:   []byte(token),
		Session: sessionID,
	}, write)
	if err != nil || !acquired {
		c.destroy(sessionID, key)
		return false, 0, err
	}

	return true, 0, nil
}

// current returns the pair of key if it still stores token under a session.
func (c *ConsulStore) current(ctx context.Context, key, token string) (*api.KVPair, error) {
	pair, _, err := c.client.KV().Get(c.keyPrefix+key, (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return nil, err
	}

	if pair == nil || pair.Session == "" || string(pair.Value) != token {
		return nil, nil
	}

	return pair, nil
}

// Release deletes key if it still stores token and destroys its session.
func (c *ConsulStore) Release(ctx context.Context, key, token string) (bool, error) {
	pair, err := c.current(ctx, key, token)
	if err != nil || pair == nil {
		return false, err
	}

	deleted, _, err := c.client.KV().DeleteCAS(&api.KVPair{
		Key:         pair.Key,
		ModifyIndex: pair.ModifyIndex,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, err
	}

	c.destroy(pair.Session, key)

	return deleted, nil
}

// Extend renews the session holding key if key still stores token. Consul
// renews to the ttl the session was created with.
func (c *ConsulStore) Extend(ctx context.Context, key, token string, _ time.Duration) (bool, error) {
	pair, err := c.current(ctx, key, token)
	if err != nil || pair == nil {
		return false, err
	}

	entry, _, err := c.client.Session().Renew(pair.Session, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, err
	}

	return entry != nil, nil
}

// destroy drops a session that guards nothing. Failures only delay cleanup
// until the session ttl runs out.
func (c *ConsulStore) destroy(sessionID, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.client.Session().Destroy(sessionID, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		distlock.GetLogger().V(1).Info("failed to destroy consul session", "lockID", key, "session", sessionID, "error", err.Error())
	}
}
