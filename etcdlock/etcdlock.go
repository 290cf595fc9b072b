// Package etcdlock is the etcd lease store. A lease record is a key bound to
// an etcd lease: the key disappears with the lease, and every primitive is a
// single transaction comparing the stored holder token.
package etcdlock

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

// EtcdStore is an implementation of leaselock.Store using etcd.
type EtcdStore struct {
	client    *clientv3.Client
	keyPrefix string
}

var _ leaselock.Store = (*EtcdStore)(nil)

// NewStore creates a new EtcdStore. WithKeyPrefix namespaces the lease keys.
func NewStore(client *clientv3.Client, opts ...func(config *distlock.LockConfig)) *EtcdStore {
	config := distlock.Apply(opts...)

	return &EtcdStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
	}
}

// New creates a lease based locker backed by etcd.
func New(client *clientv3.Client, opts ...func(config *distlock.LockConfig)) *leaselock.Locker {
	return leaselock.New(NewStore(client, opts...), opts...)
}

// Backend implements leaselock.Store.
func (e *EtcdStore) Backend() string {
	return distlock.BackendEtcd
}

// Acquire grants a lease and puts key=token under it if key does not exist.
func (e *EtcdStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	name := e.keyPrefix + key

	lease, err := e.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, 0, err
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(name), "=", 0)).
		Then(clientv3.OpPut(name, token, clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(name)).
		Commit()
	if err != nil {
		e.revoke(lease.ID, key)
		return false, 0, err
	}

	if resp.Succeeded {
		return true, 0, nil
	}

	e.revoke(lease.ID, key)

	return false, e.remaining(ctx, resp), nil
}

// remaining asks etcd for the ttl left on the lease of the current holder.
func (e *EtcdStore) remaining(ctx context.Context, resp *clientv3.TxnResponse) time.Duration {
	if len(resp.Responses) == 0 {
		return 0
	}

	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 || kvs[0].Lease == 0 {
		return 0
	}

	ttl, err := e.client.TimeToLive(ctx, clientv3.LeaseID(kvs[0].Lease))
	if err != nil || ttl.TTL < 0 {
		return 0
	}

	return time.Duration(ttl.TTL) * time.Second
}

// Release deletes key if it stores token and revokes its lease.
func (e *EtcdStore) Release(ctx context.Context, key, token string) (bool, error) {
	name := e.keyPrefix + key

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(name), "=", token)).
		Then(clientv3.OpGet(name), clientv3.OpDelete(name)).
		Commit()
	if err != nil {
		return false, err
	}

	if !resp.Succeeded {
		return false, nil
	}

	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 && kvs[0].Lease != 0 {
		e.revoke(clientv3.LeaseID(kvs[0].Lease), key)
	}

	return true, nil
}

// Extend moves key onto a fresh lease of ttl if it still stores token.
func (e *EtcdStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	name := e.keyPrefix + key

	lease, err := e.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, err
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(name), "=", token)).
		Then(clientv3.OpGet(name), clientv3.OpPut(name, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		e.revoke(lease.ID, key)
		return false, err
	}

	if !resp.Succeeded {
		e.revoke(lease.ID, key)
		return false, nil
	}

	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 && kvs[0].Lease != 0 {
		e.revoke(clientv3.LeaseID(kvs[0].Lease), key)
	}

	return true, nil
}

// revoke drops a lease that no longer guards a key. Failures only delay
// cleanup until the lease expires on its own.
func (e *EtcdStore) revoke(id clientv3.LeaseID, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.client.Revoke(ctx, id); err != nil {
		distlock.GetLogger().V(1).Info("failed to revoke lease", "lockID", key, "lease", int64(id), "error", err.Error())
	}
}

// leaseSeconds rounds ttl up to whole seconds, the granularity of etcd leases.
func leaseSeconds(ttl time.Duration) int64 {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}

	return seconds
}
