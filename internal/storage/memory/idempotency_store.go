package memory

import (
	"context"
	"sync"
)

// IdempotencyStore records consumed idempotency keys in process memory.
type IdempotencyStore struct {
	keys sync.Map
}

// NewIdempotencyStore constructs an empty IdempotencyStore.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{}
}

// Exists reports whether key was recorded.
func (s *IdempotencyStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.keys.Load(key)
	return ok, nil
}

// Insert records key.
func (s *IdempotencyStore) Insert(_ context.Context, key string) error {
	s.keys.Store(key, struct{}{})
	return nil
}

// Claim records key and reports whether it was absent before the call.
func (s *IdempotencyStore) Claim(_ context.Context, key string) (bool, error) {
	_, loaded := s.keys.LoadOrStore(key, struct{}{})
	return !loaded, nil
}
