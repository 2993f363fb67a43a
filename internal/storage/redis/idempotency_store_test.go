package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu     sync.Mutex
	keys   map[string]time.Duration
	failed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{keys: make(map[string]time.Duration)}
}

func (f *fakeClient) SetNX(ctx context.Context, key string, _ any, expiration time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		cmd := goredis.NewBoolCmd(ctx)
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	if _, ok := f.keys[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeClient) Exists(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx)
	var n int64
	for _, key := range keys {
		if _, ok := f.keys[key]; ok {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeClient) Close() error { return nil }

func TestIdempotencyStoreClaim(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	store, err := NewWithClient(client, "", time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "abc")
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, time.Hour, client.keys["idempotency:abc"])

	claimed, err = store.Claim(ctx, "abc")
	require.NoError(t, err)
	require.False(t, claimed)

	exists, err := store.Exists(ctx, "abc")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = store.Exists(ctx, "def")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, store.Insert(ctx, "def"))
	exists, err = store.Exists(ctx, "def")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestIdempotencyStoreErrors(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.failed = true
	store, err := NewWithClient(client, "p:", 0)
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, store.ttl)

	_, err = store.Claim(context.Background(), "abc")
	require.Error(t, err)

	_, err = NewWithClient(nil, "", 0)
	require.Error(t, err)
	_, err = New(Config{})
	require.Error(t, err)
}
