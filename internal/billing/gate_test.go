package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-gateway/internal/storage/memory"
)

type failingCredits struct{}

func (failingCredits) RemainingCredits(context.Context, string) (int64, error) {
	return 0, errors.New("timeout")
}

func (failingCredits) DeductCredits(context.Context, string, int64) (int64, error) {
	return 0, errors.New("timeout")
}

func TestGateCheck(t *testing.T) {
	t.Parallel()

	gate := NewGate(memory.NewCreditStore(0, map[string]int64{"rich": 10, "exact": 5}), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		tenant   string
		minimum  int64
		admitted bool
		remain   int64
	}{
		{name: "enough", tenant: "rich", minimum: 1, admitted: true, remain: 10},
		{name: "exact balance", tenant: "exact", minimum: 5, admitted: true, remain: 5},
		{name: "short", tenant: "exact", minimum: 6, admitted: false, remain: 5},
		{name: "unknown tenant", tenant: "ghost", minimum: 1, admitted: false, remain: 0},
		{name: "zero minimum", tenant: "ghost", minimum: 0, admitted: true, remain: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			decision, err := gate.Check(ctx, tt.tenant, tt.minimum)
			require.NoError(t, err)
			require.Equal(t, tt.admitted, decision.Admitted)
			require.Equal(t, tt.remain, decision.RemainingCredits)
			if !tt.admitted {
				require.Equal(t, ReasonInsufficient, decision.Reason)
			}
		})
	}
}

func TestGateCheckIsNeverCached(t *testing.T) {
	t.Parallel()

	store := memory.NewCreditStore(0, map[string]int64{"team": 1})
	gate := NewGate(store, nil)
	ctx := context.Background()

	decision, err := gate.Check(ctx, "team", 1)
	require.NoError(t, err)
	require.True(t, decision.Admitted)

	remaining, err := gate.Bill(ctx, "team", 1)
	require.NoError(t, err)
	require.Zero(t, remaining)

	decision, err = gate.Check(ctx, "team", 1)
	require.NoError(t, err)
	require.False(t, decision.Admitted)
}

func TestGateStoreFailures(t *testing.T) {
	t.Parallel()

	gate := NewGate(failingCredits{}, nil)
	_, err := gate.Check(context.Background(), "team", 1)
	require.Error(t, err)
	_, err = gate.Bill(context.Background(), "team", 1)
	require.Error(t, err)
}
