// Package mongolock is the MongoDB lease store. A lease is a document keyed by
// the lock id holding the holder token and the expiration time. Acquisition is
// an upsert filtered on "absent or expired": a live lease makes the upsert
// collide on _id, which reports the lock as held.
package mongolock

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

// MongoStore is an implementation of leaselock.Store using MongoDB.
type MongoStore struct {
	collection *mongo.Collection
	tokenField string
	ttlField   string
	now        func() time.Time
}

var _ leaselock.Store = (*MongoStore)(nil)

// NewStore creates a new MongoStore on WithDatabase / WithCollection.
func NewStore(client *mongo.Client, opts ...func(config *distlock.LockConfig)) *MongoStore {
	config := distlock.Apply(opts...)

	return &MongoStore{
		collection: client.Database(config.Database).Collection(config.Collection),
		tokenField: config.TokenField,
		ttlField:   config.TTLField,
		now:        time.Now,
	}
}

// New creates a lease based locker backed by MongoDB.
func New(client *mongo.Client, opts ...func(config *distlock.LockConfig)) *leaselock.Locker {
	return leaselock.New(NewStore(client, opts...), opts...)
}

// Backend implements leaselock.Store.
func (m *MongoStore) Backend() string {
	return distlock.BackendMongoDB
}

// CreateIndexes adds a TTL index so that MongoDB removes expired leases.
func (m *MongoStore) CreateIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: m.ttlField, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})

	return err
}

// Acquire inserts the lease or takes over an expired one.
func (m *MongoStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	now := m.now()
	filter := bson.M{
		"_id":      key,
		m.ttlField: bson.M{"$lt": now},
	}
	update := bson.M{"$set": bson.M{
		m.tokenField: token,
		m.ttlField:   now.Add(ttl),
	}}

	_, err := m.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err == nil {
		return true, 0, nil
	}

	if !mongo.IsDuplicateKeyError(err) {
		return false, 0, err
	}

	return false, m.remaining(ctx, key, now), nil
}

// remaining reads the ttl left on the current lease, zero if unknown.
func (m *MongoStore) remaining(ctx context.Context, key string, now time.Time) time.Duration {
	var current bson.M
	err := m.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&current)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			distlock.GetLogger().V(1).Info("failed to read lease expiration", "lockID", key, "error", err.Error())
		}

		return 0
	}

	expiration, ok := current[m.ttlField].(primitive.DateTime)
	if !ok {
		return 0
	}

	if remaining := expiration.Time().Sub(now); remaining > 0 {
		return remaining
	}

	return 0
}

// Release deletes the lease if it is live and stores token.
func (m *MongoStore) Release(ctx context.Context, key, token string) (bool, error) {
	result, err := m.collection.DeleteOne(ctx, bson.M{
		"_id":        key,
		m.tokenField: token,
		m.ttlField:   bson.M{"$gt": m.now()},
	})
	if err != nil {
		return false, err
	}

	return result.DeletedCount == 1, nil
}

// Extend pushes the expiration of a live lease that stores token.
func (m *MongoStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := m.now()
	result, err := m.collection.UpdateOne(ctx,
		bson.M{
			"_id":        key,
			m.tokenField: token,
			m.ttlField:   bson.M{"$gt": now},
		},
		bson.M{"$set": bson.M{m.ttlField: now.Add(ttl)}},
	)
	if err != nil {
		return false, err
	}

	return result.MatchedCount == 1, nil
}
