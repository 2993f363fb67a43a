// Package billing decides whether a tenant holds enough credits for a
// request and reports usage afterwards.
package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

// ReasonInsufficient is the reason recorded on a refused decision.
const ReasonInsufficient = "Insufficient credits"

// Gate checks balances in a CreditStore. Decisions are computed per call and
// never cached.
type Gate struct {
	store  crawler.CreditStore
	logger *zap.Logger
}

// NewGate builds a Gate over store.
func NewGate(store crawler.CreditStore, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, logger: logger}
}

// Check admits the tenant when its balance covers minimum.
func (g *Gate) Check(ctx context.Context, tenantID string, minimum int64) (crawler.CreditDecision, error) {
	remaining, err := g.store.RemainingCredits(ctx, tenantID)
	if err != nil {
		return crawler.CreditDecision{}, fmt.Errorf("read credits for %s: %w", tenantID, err)
	}
	if remaining < minimum {
		return crawler.CreditDecision{
			Admitted:         false,
			RemainingCredits: remaining,
			Reason:           ReasonInsufficient,
		}, nil
	}
	return crawler.CreditDecision{Admitted: true, RemainingCredits: remaining}, nil
}

// Bill deducts amount after an operation succeeded and returns the new
// balance.
func (g *Gate) Bill(ctx context.Context, tenantID string, amount int64) (int64, error) {
	if amount <= 0 {
		return g.store.RemainingCredits(ctx, tenantID)
	}
	remaining, err := g.store.DeductCredits(ctx, tenantID, amount)
	if err != nil {
		return 0, fmt.Errorf("bill %d credits to %s: %w", amount, tenantID, err)
	}
	g.logger.Debug("credits billed",
		zap.String("tenant_id", tenantID),
		zap.Int64("amount", amount),
		zap.Int64("remaining_credits", remaining))
	return remaining, nil
}
