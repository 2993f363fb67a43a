package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllow(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("team-a:scrape", 3), "request %d", i)
	}
	require.False(t, l.Allow("team-a:scrape", 3))
	require.True(t, l.Allow("team-a:crawl", 3), "modes are tracked separately")
	require.True(t, l.Allow("team-b:scrape", 3), "tenants are tracked separately")
}

func TestLimiterAllowUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("team-a:scrape", 0))
	}
}

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	var observed time.Duration
	l := New(Config{
		DefaultRPS:   10,
		DefaultBurst: 1,
		ObserveWait: func(host string, waited time.Duration) {
			require.Equal(t, "test.com", host)
			observed = waited
		},
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Positive(t, observed)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "https://slow.test"))
	require.Error(t, l.Wait(ctx, "https://slow.test"))
}
