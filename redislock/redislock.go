// Package redislock is the Redis lease store. Every primitive is one Lua
// script evaluated server side, so acquire (SETNX + PEXPIRE), release
// (compare token + DEL) and renewal (compare token + PEXPIRE) are each a
// single atomic round trip.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

// acquireScript returns {1, 0} when the lease was created, otherwise {0, pttl}
// of the current holder in milliseconds.
var acquireScript = redis.NewScript(`
	if redis.call("setnx", KEYS[1], ARGV[1]) == 1 then
		redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		return {1, 0}
	else
		return {0, redis.call("pttl", KEYS[1])}
	end
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return 0
	end
`)

// RedisStore is an implementation of leaselock.Store using Redis.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ leaselock.Store = (*RedisStore)(nil)

// NewStore creates a new RedisStore. WithKeyPrefix namespaces the lease keys.
func NewStore(client redis.UniversalClient, opts ...func(config *distlock.LockConfig)) *RedisStore {
	config := distlock.Apply(opts...)

	return &RedisStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
	}
}

// New creates a lease based locker backed by Redis.
func New(client redis.UniversalClient, opts ...func(config *distlock.LockConfig)) *leaselock.Locker {
	return leaselock.New(NewStore(client, opts...), opts...)
}

// Backend implements leaselock.Store.
func (r *RedisStore) Backend() string {
	return distlock.BackendRedis
}

// Acquire creates the lease if the key is absent.
func (r *RedisStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	reply, err := acquireScript.Run(ctx, r.client, []string{r.keyPrefix + key}, token, milliseconds(ttl)).Slice()
	if err != nil {
		return false, 0, err
	}

	if len(reply) != 2 {
		return false, 0, fmt.Errorf("unexpected acquire reply %v", reply)
	}

	created, _ := reply[0].(int64)
	if created == 1 {
		return true, 0, nil
	}

	// PTTL answers -1 for a key without expiry.
	pttl, _ := reply[1].(int64)
	if pttl < 0 {
		return false, 0, nil
	}

	return false, time.Duration(pttl) * time.Millisecond, nil
}

// Release deletes the lease if it still stores token.
func (r *RedisStore) Release(ctx context.Context, key, token string) (bool, error) {
	result, err := releaseScript.Run(ctx, r.client, []string{r.keyPrefix + key}, token).Int64()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

// Extend resets the ttl of the lease if it still stores token.
func (r *RedisStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	result, err := extendScript.Run(ctx, r.client, []string{r.keyPrefix + key}, token, milliseconds(ttl)).Int64()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

// Ping checks connectivity to Redis.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// milliseconds rounds ttl up to whole milliseconds, the granularity of the
// stored ttl.
func milliseconds(ttl time.Duration) int64 {
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}
