package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNoCreditRow is returned when deducting from a tenant without a balance row.
var ErrNoCreditRow = errors.New("tenant has no credit balance")

// CreditStore reads and deducts balances in the tenant_credits table.
type CreditStore struct {
	pool        Pool
	selectQuery string
	deductQuery string
}

// NewCreditStore builds a CreditStore over pool. An empty table defaults to
// tenant_credits.
func NewCreditStore(pool Pool, table string) (*CreditStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "tenant_credits")
	if err != nil {
		return nil, err
	}
	return &CreditStore{
		pool:        pool,
		selectQuery: fmt.Sprintf("SELECT remaining FROM %s WHERE tenant_id = $1", name),
		deductQuery: fmt.Sprintf("UPDATE %s SET remaining = remaining - $2 WHERE tenant_id = $1 RETURNING remaining", name),
	}, nil
}

// RemainingCredits returns the balance, or zero for a tenant with no row.
func (s *CreditStore) RemainingCredits(ctx context.Context, tenantID string) (int64, error) {
	var remaining int64
	err := s.pool.QueryRow(ctx, s.selectQuery, tenantID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select credits: %w", err)
	}
	return remaining, nil
}

// DeductCredits subtracts amount in a single statement and returns the new balance.
func (s *CreditStore) DeductCredits(ctx context.Context, tenantID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative deduction %d", amount)
	}
	var remaining int64
	err := s.pool.QueryRow(ctx, s.deductQuery, tenantID, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoCreditRow
	}
	if err != nil {
		return 0, fmt.Errorf("deduct credits: %w", err)
	}
	return remaining, nil
}
