package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

// KeyStore resolves API keys from the api_keys table.
type KeyStore struct {
	pool  Pool
	query string
}

// NewKeyStore builds a KeyStore over pool. An empty table defaults to api_keys.
func NewKeyStore(pool Pool, table string) (*KeyStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "api_keys")
	if err != nil {
		return nil, err
	}
	return &KeyStore{
		pool:  pool,
		query: fmt.Sprintf("SELECT tenant_id, plan FROM %s WHERE key = $1", name),
	}, nil
}

// LookupKey returns the tenant bound to key or crawler.ErrKeyNotFound.
func (s *KeyStore) LookupKey(ctx context.Context, key string) (crawler.Identity, error) {
	var identity crawler.Identity
	err := s.pool.QueryRow(ctx, s.query, key).Scan(&identity.TenantID, &identity.Plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Identity{}, crawler.ErrKeyNotFound
	}
	if err != nil {
		return crawler.Identity{}, fmt.Errorf("lookup api key: %w", err)
	}
	return identity, nil
}
