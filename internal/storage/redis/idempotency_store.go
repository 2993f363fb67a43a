// Package redis provides a Redis-backed idempotency key store.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a consumed key is remembered.
const DefaultTTL = 24 * time.Hour

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Client is the subset of *goredis.Client the store uses.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// IdempotencyStore records consumed keys with SET NX and a TTL.
type IdempotencyStore struct {
	client Client
	prefix string
	ttl    time.Duration
}

// New dials Redis using cfg.
func New(cfg Config) (*IdempotencyStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, cfg.TTL)
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client Client, prefix string, ttl time.Duration) (*IdempotencyStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "idempotency:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IdempotencyStore{client: client, prefix: prefix, ttl: ttl}, nil
}

// Close releases the client.
func (s *IdempotencyStore) Close() error {
	return s.client.Close()
}

// Exists reports whether key was recorded and has not expired.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Insert records key.
func (s *IdempotencyStore) Insert(ctx context.Context, key string) error {
	if _, err := s.Claim(ctx, key); err != nil {
		return err
	}
	return nil
}

// Claim sets key only if absent and reports whether this call set it.
func (s *IdempotencyStore) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
