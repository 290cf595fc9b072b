// Package postgreslock is the PostgreSQL lease store. A lease is a row of
// (lock id, holder token, expiration time); each primitive is one statement
// evaluated against the database clock.
package postgreslock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/leaselock"
)

// PostgresStore is an implementation of leaselock.Store using PostgreSQL.
type PostgresStore struct {
	client     *sql.DB
	table      string
	lockField  string
	tokenField string
	ttlField   string
}

var _ leaselock.Store = (*PostgresStore)(nil)

// NewStore creates a new PostgresStore. WithTable, WithLockField,
// WithTokenField and WithTTLField name the table and its columns.
func NewStore(client *sql.DB, opts ...func(config *distlock.LockConfig)) *PostgresStore {
	config := distlock.Apply(opts...)

	return &PostgresStore{
		client:     client,
		table:      config.Table,
		lockField:  config.LockField,
		tokenField: config.TokenField,
		ttlField:   config.TTLField,
	}
}

// New creates a lease based locker backed by PostgreSQL.
func New(client *sql.DB, opts ...func(config *distlock.LockConfig)) *leaselock.Locker {
	return leaselock.New(NewStore(client, opts...), opts...)
}

// Backend implements leaselock.Store.
func (p *PostgresStore) Backend() string {
	return distlock.BackendPostgres
}

// CreateTable creates the lease table if it does not exist.
func (p *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        %s TEXT PRIMARY KEY,
        %s TEXT NOT NULL,
        %s TIMESTAMPTZ NOT NULL
    )`, p.table, p.lockField, p.tokenField, p.ttlField) // #nosec G201
	_, err := p.client.ExecContext(ctx, query)

	return err
}

// Acquire inserts the lease, or takes over a row whose lease has expired.
func (p *PostgresStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, time.Duration, error) {
	query := fmt.Sprintf(`
    INSERT INTO %s (%s, %s, %s)
    VALUES ($1, $2, NOW() + INTERVAL '1 millisecond' * $3)
    ON CONFLICT (%s)
    DO UPDATE SET %s = EXCLUDED.%s, %s = EXCLUDED.%s
    WHERE %s.%s < NOW()`,
		p.table, p.lockField, p.tokenField, p.ttlField,
		p.lockField,
		p.tokenField, p.tokenField, p.ttlField, p.ttlField,
		p.table, p.ttlField) // #nosec G201
	result, err := p.client.ExecContext(ctx, query, key, token, milliseconds(ttl))
	if err != nil {
		return false, 0, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, 0, err
	}

	if rows == 1 {
		return true, 0, nil
	}

	return false, p.remaining(ctx, key), nil
}

// remaining reads the ttl left on the current lease, zero if unknown.
func (p *PostgresStore) remaining(ctx context.Context, key string) time.Duration {
	query := fmt.Sprintf(`
    SELECT GREATEST(EXTRACT(EPOCH FROM (%s - NOW())) * 1000, 0)::BIGINT
    FROM %s WHERE %s = $1`, p.ttlField, p.table, p.lockField) // #nosec G201

	var millis int64
	if err := p.client.QueryRowContext(ctx, query, key).Scan(&millis); err != nil {
		return 0
	}

	return time.Duration(millis) * time.Millisecond
}

// Release deletes the row if it stores token. An expired lease is removed as
// well but reported as not released.
func (p *PostgresStore) Release(ctx context.Context, key, token string) (bool, error) {
	query := fmt.Sprintf(`
    DELETE FROM %s
    WHERE %s = $1 AND %s = $2
    RETURNING %s > NOW()`,
		p.table, p.lockField, p.tokenField, p.ttlField) // #nosec G201

	var live bool
	if err := p.client.QueryRowContext(ctx, query, key, token).Scan(&live); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, err
	}

	return live, nil
}

// Extend pushes the expiration of a live lease that stores token.
func (p *PostgresStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`
    UPDATE %s
    SET %s = NOW() + INTERVAL '1 millisecond' * $3
    WHERE %s = $1 AND %s = $2 AND %s > NOW()`,
		p.table, p.ttlField, p.lockField, p.tokenField, p.ttlField) // #nosec G201
	result, err := p.client.ExecContext(ctx, query, key, token, milliseconds(ttl))
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// milliseconds rounds ttl up to whole milliseconds, the granularity of the
// stored ttl.
func milliseconds(ttl time.Duration) int64 {
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}
