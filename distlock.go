// Package distlock provides a distributed mutual-exclusion primitive: a named
// lock that independent processes contend for. Two families of backends
// implement the same contract:
//
//   - lease based backends (see package leaselock and its stores such as
//     redislock, etcdlock or postgreslock) that hold a token guarded lease with
//     a ttl and optionally renew it with a watchdog;
//   - the queue based ZooKeeper backend (package zookeeperlock) that serves
//     contenders in strict FIFO order using ephemeral sequential nodes.
//
// Callers pick one backend at configuration time. A lock acquired on one
// backend is invisible to the others.
package distlock

import (
	"context"
	"time"
)

const (
	// ActionAcquire represents the action of attempting to acquire a lock.
	ActionAcquire = "acquire"
	// ActionRelease represents the action of releasing a previously acquired lock.
	ActionRelease = "release"
	// ActionRenew represents the action of extending the expiration time of a lock.
	ActionRenew = "renew"
	// ActionAcquiredSuccessfully indicates that a lock was successfully acquired.
	ActionAcquiredSuccessfully = "acquired"
	// ActionReleasedSuccessfully indicates that a lock was successfully released.
	ActionReleasedSuccessfully = "released"
	// ActionRenewedSuccessfully indicates that a lock was successfully renewed.
	ActionRenewedSuccessfully = "renewed"
)

const (
	// BackendConsul represents Consul as a lease store.
	BackendConsul = "consul"
	// BackendEtcd represents etcd as a lease store.
	BackendEtcd = "etcd"
	// BackendDynamoDB represents AWS DynamoDB as a lease store.
	BackendDynamoDB = "dynamodb"
	// BackendHazelcast represents Hazelcast as a lease store.
	BackendHazelcast = "hazelcast"
	// BackendMongoDB represents MongoDB as a lease store.
	BackendMongoDB = "mongodb"
	// BackendRedis represents Redis as a lease store.
	BackendRedis = "redis"
	// BackendRedlock represents a quorum of independent Redis nodes as a lease store.
	BackendRedlock = "redlock"
	// BackendAerospike represents Aerospike as a lease store.
	BackendAerospike = "aerospike"
	// BackendZooKeeper represents Apache ZooKeeper as the queue based backend.
	BackendZooKeeper = "zookeeper"
	// BackendPostgres represents PostgreSQL as a lease store.
	BackendPostgres = "postgres"
	// BackendMock represents the in-memory MockLock.
	BackendMock = "mock"
)

// WatchdogExpire is the expire sentinel that asks a lease backend to hold the
// lock with a baseline ttl and renew it in the background until release.
const WatchdogExpire = time.Duration(-1)

// Handle is the proof of ownership returned by a successful Lock. It must be
// passed back to ReleaseLock.
type Handle interface {
	// Key returns the lock key the handle was acquired for.
	Key() string

	// Token returns the holder token (lease backends) or the lock node path
	// (queue backend) minted for this acquisition.
	Token() string

	// Lost is closed when the backend notices that the hold was lost before
	// release, e.g. a watchdog renewal found a foreign token or the ephemeral
	// node disappeared with its session.
	Lost() <-chan struct{}
}

// Locker is the canonical lock contract every backend implements.
type Locker interface {
	// Lock tries to acquire key. expire is the lease ttl (WatchdogExpire
	// selects watchdog renewal), retryTimes the number of retries after the
	// first failed attempt and sleep the pause between attempts.
	// It reports false when the lock could not be acquired, including on
	// connectivity errors and context cancellation.
	Lock(ctx context.Context, key string, expire time.Duration, retryTimes int, sleep time.Duration) (Handle, bool)

	// ReleaseLock releases the hold represented by h. It returns true only if
	// this caller actually released something it owned. A false result with a
	// nil error is benign (never held, already released, expired or owned by
	// someone else); a non-nil error reports that the backend was unreachable.
	ReleaseLock(ctx context.Context, h Handle) (bool, error)
}
