// Package dynamolock is the DynamoDB lease store. A lease is an item keyed by
// the lock id carrying the holder token and the expiration in epoch
// milliseconds. Every primitive is one conditional write.
package dynamolock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

//go:generate mockgen -source=dynamolock.go -destination=mock_client_test.go -package=dynamolock_test

// Client is the subset of *dynamodb.Client the store needs.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// DynamoDBStore is an implementation of leaselock.Store using DynamoDB.
type DynamoDBStore struct {
	client     Client
	table      string
	lockField  string
	tokenField string
	ttlField   string
	now        func() time.Time
}

var _ leaselock.Store = (*DynamoDBStore)(nil)

// NewStore creates a new DynamoDBStore. WithTable, WithLockField,
// WithTokenField and WithTTLField name the table and its attributes.
func NewStore(client Client, opts ...func(config *distlock.LockConfig)) *DynamoDBStore {
	config := distlock.Apply(opts...)

	return &DynamoDBStore{
		client:     client,
		table:      config.Table,
		lockField:  config.LockField,
		tokenField: config.TokenField,
		ttlField:   config.TTLField,
		now:        time.Now,
	}
}

// New creates a lease based locker backed by DynamoDB.
func New(client Client, opts ...func(config *distlock.LockConfig)) *leaselock.Locker {
	return leaselock.New(NewStore(client, opts...), opts...)
}

// Backend implements leaselock.Store.
func (d *DynamoDBStore) Backend() string {
	return distlock.BackendDynamoDB
}

// CreateTable creates the on-demand lease table keyed by the lock field.
func (d *DynamoDBStore) CreateTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(d.lockField), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(d.lockField), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})

	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}

	return err
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

// Acquire puts the lease unless a live one exists. On conflict the old item
// comes back with the failed condition and yields the remaining ttl.
func (d *DynamoDBStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	now := d.now()

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			d.lockField:  &types.AttributeValueMemberS{Value: key},
			d.tokenField: &types.AttributeValueMemberS{Value: token},
			d.ttlField:   millis(now.Add(ttl)),
		},
		ConditionExpression:      aws.String("attribute_not_exists(#lock) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{"#lock": d.lockField, "#ttl": d.ttlField},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millis(now),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return true, 0, nil
	}

	var cfe *types.ConditionalCheckFailedException
	if !errors.As(err, &cfe) {
		return false, 0, err
	}

	return false, d.remaining(cfe.Item, now), nil
}

func (d *DynamoDBStore) remaining(item map[string]types.AttributeValue, now time.Time) time.Duration {
	attr, ok := item[d.ttlField].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}

	expiration, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0
	}

	if remaining := time.UnixMilli(expiration).Sub(now); remaining > 0 {
		return remaining
	}

	return 0
}

// Release deletes the lease if it is live and stores token.
func (d *DynamoDBStore) Release(ctx context.Context, key, token string) (bool, error) {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			d.lockField: &types.AttributeValueMemberS{Value: key},
		},
		ConditionExpression:      aws.String("#token = :token AND #ttl > :now"),
		ExpressionAttributeNames: map[string]string{"#token": d.tokenField, "#ttl": d.ttlField},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
			":now":   millis(d.now()),
		},
	})

	return conditional(err)
}

// Extend pushes the expiration of a live lease that stores token.
func (d *DynamoDBStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := d.now()

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			d.lockField: &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:         aws.String("SET #ttl = :ttl"),
		ConditionExpression:      aws.String("#token = :token AND #ttl > :now"),
		ExpressionAttributeNames: map[string]string{"#token": d.tokenField, "#ttl": d.ttlField},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
			":now":   millis(now),
			":ttl":   millis(now.Add(ttl)),
		},
	})

	return conditional(err)
}

// conditional maps a failed write condition to a benign false.
func conditional(err error) (bool, error) {
	if err == nil {
		return true, nil
	}

	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		return false, nil
	}

	return false, err
}
