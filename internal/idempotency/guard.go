// Package idempotency guards mutating operations against replayed requests
// carrying the same client-supplied key.
//
// A key is consumed as soon as it is admitted, before the operation runs. A
// request that fails after admission therefore burns its key; clients must
// retry with a fresh one.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

// HeaderName carries the idempotency key.
const HeaderName = "x-idempotency-key"

// ErrMalformedKey is returned by Validate when RequireUUID is set and the key
// is not a UUID.
var ErrMalformedKey = errors.New("idempotency key is not a valid UUID")

// Guard checks and records idempotency keys against a store.
type Guard struct {
	store       crawler.IdempotencyStore
	requireUUID bool
}

// Option customizes a Guard.
type Option func(*Guard)

// RequireUUID rejects keys that are not UUIDs.
func RequireUUID(enabled bool) Option {
	return func(g *Guard) {
		g.requireUUID = enabled
	}
}

// NewGuard builds a Guard over store.
func NewGuard(store crawler.IdempotencyStore, opts ...Option) *Guard {
	g := &Guard{store: store}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) wellFormed(key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	if !g.requireUUID {
		return true
	}
	_, err := uuid.Parse(key)
	return err == nil
}

// Validate reports whether key is well formed and has not been used. It does
// not consume the key; use Admit when the check and the write must be atomic.
func (g *Guard) Validate(ctx context.Context, key string) (bool, error) {
	if !g.wellFormed(key) {
		return false, nil
	}
	used, err := g.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return !used, nil
}

// Record marks key as consumed.
func (g *Guard) Record(ctx context.Context, key string) error {
	if !g.wellFormed(key) {
		return ErrMalformedKey
	}
	if err := g.store.Insert(ctx, key); err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// Admit validates and records key in one atomic store operation. Exactly one
// of any number of concurrent callers with the same key gets true.
func (g *Guard) Admit(ctx context.Context, key string) (bool, error) {
	if !g.wellFormed(key) {
		return false, nil
	}
	claimed, err := g.store.Claim(ctx, key)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return claimed, nil
}
