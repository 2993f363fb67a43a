package memory

import (
	"context"
	"fmt"
	"sync"
)

// CreditStore keeps per-tenant credit balances in memory. Tenants without an
// explicit balance start at the default balance.
type CreditStore struct {
	mu             sync.Mutex
	defaultBalance int64
	balances       map[string]int64
}

// NewCreditStore seeds a CreditStore with balances.
func NewCreditStore(defaultBalance int64, balances map[string]int64) *CreditStore {
	seeded := make(map[string]int64, len(balances))
	for tenant, balance := range balances {
		seeded[tenant] = balance
	}
	return &CreditStore{
		defaultBalance: defaultBalance,
		balances:       seeded,
	}
}

func (s *CreditStore) balanceLocked(tenantID string) int64 {
	balance, ok := s.balances[tenantID]
	if !ok {
		return s.defaultBalance
	}
	return balance
}

// RemainingCredits returns the tenant's current balance.
func (s *CreditStore) RemainingCredits(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(tenantID), nil
}

// DeductCredits subtracts amount and returns the new balance. Balances may go
// negative; admission is decided by the credit gate, not here.
func (s *CreditStore) DeductCredits(_ context.Context, tenantID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative deduction %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balanceLocked(tenantID) - amount
	s.balances[tenantID] = balance
	return balance, nil
}
