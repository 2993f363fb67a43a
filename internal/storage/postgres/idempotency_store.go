package postgres

import (
	"context"
	"fmt"
)

// IdempotencyStore records consumed keys in the idempotency_keys table, which
// must have a unique constraint on key.
type IdempotencyStore struct {
	pool        Pool
	existsQuery string
	insertQuery string
}

// NewIdempotencyStore builds an IdempotencyStore over pool.
func NewIdempotencyStore(pool Pool, table string) (*IdempotencyStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "idempotency_keys")
	if err != nil {
		return nil, err
	}
	return &IdempotencyStore{
		pool:        pool,
		existsQuery: fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1)", name),
		insertQuery: fmt.Sprintf("INSERT INTO %s (key) VALUES ($1) ON CONFLICT (key) DO NOTHING", name),
	}, nil
}

// Exists reports whether key was recorded.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, s.existsQuery, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return exists, nil
}

// Insert records key. Recording an existing key is not an error.
func (s *IdempotencyStore) Insert(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, s.insertQuery, key); err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

// Claim inserts key and reports whether this call created the row.
func (s *IdempotencyStore) Claim(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, s.insertQuery, key)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
