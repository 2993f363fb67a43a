package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/JakeFAU/scrape-gateway/internal/storage/memory"
)

type failingStore struct{}

func (failingStore) Exists(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingStore) Insert(context.Context, string) error         { return errors.New("down") }
func (failingStore) Claim(context.Context, string) (bool, error)  { return false, errors.New("down") }

func TestGuardValidateAndRecord(t *testing.T) {
	t.Parallel()

	guard := NewGuard(memory.NewIdempotencyStore())
	ctx := context.Background()

	ok, err := guard.Validate(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, guard.Record(ctx, "order-1"))

	ok, err = guard.Validate(ctx, "order-1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = guard.Validate(ctx, "   ")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGuardRequireUUID(t *testing.T) {
	t.Parallel()

	guard := NewGuard(memory.NewIdempotencyStore(), RequireUUID(true))
	ctx := context.Background()

	ok, err := guard.Admit(ctx, "not-a-uuid")
	require.NoError(t, err)
	require.False(t, ok)
	require.ErrorIs(t, guard.Record(ctx, "not-a-uuid"), ErrMalformedKey)

	ok, err = guard.Admit(ctx, uuid.NewString())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGuardAdmitConcurrent(t *testing.T) {
	t.Parallel()

	guard := NewGuard(memory.NewIdempotencyStore())
	key := uuid.NewString()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := guard.Admit(context.Background(), key)
			require.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), admitted.Load())
}

func TestGuardStoreFailure(t *testing.T) {
	t.Parallel()

	guard := NewGuard(failingStore{})
	ctx := context.Background()

	_, err := guard.Validate(ctx, "k")
	require.Error(t, err)
	require.Error(t, guard.Record(ctx, "k"))
	_, err = guard.Admit(ctx, "k")
	require.Error(t, err)
}

func TestGuardAdmitsEachKeyOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		guard := NewGuard(memory.NewIdempotencyStore())
		keys := rapid.SliceOf(rapid.StringMatching(`[a-z0-9]{1,8}`)).Draw(t, "keys")
		seen := make(map[string]bool)
		for _, key := range keys {
			ok, err := guard.Admit(context.Background(), key)
			if err != nil {
				t.Fatalf("admit %q: %v", key, err)
			}
			if ok == seen[key] {
				t.Fatalf("admit %q = %v after seen=%v", key, ok, seen[key])
			}
			seen[key] = true
		}
	})
}
