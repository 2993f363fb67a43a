package memory

import (
	"context"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

// KeyStore resolves API keys from a fixed table loaded at startup.
type KeyStore struct {
	keys map[string]crawler.Identity
}

// NewKeyStore copies keys into a KeyStore.
func NewKeyStore(keys map[string]crawler.Identity) *KeyStore {
	copied := make(map[string]crawler.Identity, len(keys))
	for key, identity := range keys {
		copied[key] = identity
	}
	return &KeyStore{keys: copied}
}

// LookupKey returns the identity bound to key or crawler.ErrKeyNotFound.
func (s *KeyStore) LookupKey(_ context.Context, key string) (crawler.Identity, error) {
	identity, ok := s.keys[key]
	if !ok {
		return crawler.Identity{}, crawler.ErrKeyNotFound
	}
	return identity, nil
}
