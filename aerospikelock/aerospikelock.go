// Package aerospikelock is the Aerospike lease store. A lease is a record in
// a set whose bin holds the holder token and whose record ttl is the lease
// ttl. Creation uses CREATE_ONLY; release and renewal are guarded by the
// record generation read together with the token.
package aerospikelock

import (
	"context"
	"errors"
	"time"

	"github.com/aerospike/aerospike-client-go"
	"github.com/aerospike/aerospike-client-go/types"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

// DefaultNamespace is the namespace shipped with a stock Aerospike server.
const DefaultNamespace = "test"

// Client is the subset of *aerospike.Client the store needs.
type Client interface {
	PutBins(policy *aerospike.WritePolicy, key *aerospike.Key, bins ...*aerospike.Bin) error
	Get(policy *aerospike.BasePolicy, key *aerospike.Key, binNames ...string) (*aerospike.Record, error)
	Delete(policy *aerospike.WritePolicy, key *aerospike.Key) (bool, error)
	Touch(policy *aerospike.WritePolicy, key *aerospike.Key) error
}

var _ Client = (*aerospike.Client)(nil)

// AerospikeStore is an implementation of leaselock.Store using Aerospike.
type AerospikeStore struct {
	client    Client
	namespace string
	set       string
	tokenBin  string
}

var _ leaselock.Store = (*AerospikeStore)(nil)

// NewStore creates a new AerospikeStore in namespace. WithTable names the
// set and WithTokenField the bin holding the token.
func NewStore(client Client, namespace string, opts ...func(config *distlock.LockConfig)) *AerospikeStore {
	config := distlock.Apply(opts...)
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &AerospikeStore{
		client:    client,
		namespace: namespace,
		set:       config.Table,
		tokenBin:  config.TokenField,
	}
}

// New creates a lease based locker backed by Aerospike.
func New(client Client, namespace string, opts ...func(config *distlock.LockConfig)) *leaselock.Locker {
	return leaselock.New(NewStore(client, namespace, opts...), opts...)
}

// Backend implements leaselock.Store.
func (a *AerospikeStore) Backend() string {
	return distlock.BackendAerospike
}

// expiration converts ttl to whole seconds, the granularity of record ttls.
func expiration(ttl time.Duration) uint32 {
	seconds := (ttl + time.Second - 1) / time.Second
	if seconds < 1 {
		return 1
	}

	return uint32(seconds)
}

func resultCode(err error) (types.ResultCode, bool) {
	var aerr types.AerospikeError
	if errors.As(err, &aerr) {
		return aerr.ResultCode(), true
	}

	return 0, false
}

func isCode(err error, code types.ResultCode) bool {
	c, ok := resultCode(err)
	return ok && c == code
}

// Acquire creates the record only if it does not exist.
func (a *AerospikeStore) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	k, err := aerospike.NewKey(a.namespace, a.set, key)
	if err != nil {
		return false, 0, err
	}

	policy := aerospike.NewWritePolicy(0, expiration(ttl))
	policy.RecordExistsAction = aerospike.CREATE_ONLY

	err = a.client.PutBins(policy, k, aerospike.NewBin(a.tokenBin, token))
	if err == nil {
		return true, 0, nil
	}

	if !isCode(err, types.KEY_EXISTS_ERROR) {
		return false, 0, err
	}

	record, err := a.client.Get(nil, k, a.tokenBin)
	if err != nil || record == nil {
		return false, 0, nil
	}

	return false, time.Duration(record.Expiration) * time.Second, nil
}

// current reads the record of key if it stores token.
func (a *AerospikeStore) current(key, token string) (*aerospike.Key, *aerospike.Record, error) {
	k, err := aerospike.NewKey(a.namespace, a.set, key)
	if err != nil {
		return nil, nil, err
	}

	record, err := a.client.Get(nil, k, a.tokenBin)
	if err != nil {
		if isCode(err, types.KEY_NOT_FOUND_ERROR) {
			return nil, nil, nil
		}

		return nil, nil, err
	}

	if record == nil || record.Bins[a.tokenBin] != token {
		return nil, nil, nil
	}

	return k, record, nil
}

// guarded returns a write policy that fails if the record changed since read.
func guarded(record *aerospike.Record, ttl uint32) *aerospike.WritePolicy {
	policy := aerospike.NewWritePolicy(record.Generation, ttl)
	policy.GenerationPolicy = aerospike.EXPECT_GEN_EQUAL

	return policy
}

// Release deletes the record if it still stores token.
func (a *AerospikeStore) Release(_ context.Context, key, token string) (bool, error) {
	k, record, err := a.current(key, token)
	if err != nil || record == nil {
		return false, err
	}

	existed, err := a.client.Delete(guarded(record, 0), k)
	if err != nil {
		if isCode(err, types.GENERATION_ERROR) || isCode(err, types.KEY_NOT_FOUND_ERROR) {
			return false, nil
		}

		return false, err
	}

	return existed, nil
}

// Extend resets the record ttl if it still stores token.
func (a *AerospikeStore) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	k, record, err := a.current(key, token)
	if err != nil || record == nil {
		return false, err
	}

	if err = a.client.Touch(guarded(record, expiration(ttl)), k); err != nil {
		if isCode(err, types.GENERATION_ERROR) || isCode(err, types.KEY_NOT_FOUND_ERROR) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}
