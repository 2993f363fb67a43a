package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
	"github.com/JakeFAU/scrape-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-gateway/internal/storage/memory"
)

type brokenKeyStore struct{}

func (brokenKeyStore) LookupKey(context.Context, string) (crawler.Identity, error) {
	return crawler.Identity{}, errors.New("db unavailable")
}

func newTestAuthenticator(limits RateLimitFunc) *Authenticator {
	keys := memory.NewKeyStore(map[string]crawler.Identity{
		"fc-good": {TenantID: "team-a", Plan: "standard"},
	})
	return New(keys, ratelimit.New(ratelimit.Config{}), limits, nil)
}

func requireRejection(t *testing.T, err error, status int, msg string) {
	t.Helper()
	var rej *pipeline.Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, status, rej.Status)
	if msg != "" {
		require.Equal(t, msg, rej.Message)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                "",
		"   ":             "",
		"Bearer fc-good":  "fc-good",
		"bearer  fc-good": "fc-good",
		"Bearer ":         "",
		"fc-raw":          "fc-raw",
	}
	for in, want := range cases {
		require.Equal(t, want, BearerToken(in), "input %q", in)
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(nil)
	ctx := context.Background()

	identity, err := a.Authenticate(ctx, "Bearer fc-good", crawler.ModeScrape)
	require.NoError(t, err)
	require.Equal(t, "team-a", identity.TenantID)
	require.Equal(t, "standard", identity.Plan)

	_, err = a.Authenticate(ctx, "", crawler.ModeScrape)
	requireRejection(t, err, http.StatusUnauthorized, MsgTokenMissing)

	_, err = a.Authenticate(ctx, "Bearer fc-nope", crawler.ModeScrape)
	requireRejection(t, err, http.StatusUnauthorized, MsgInvalidToken)
}

func TestAuthenticateStoreFault(t *testing.T) {
	t.Parallel()

	a := New(brokenKeyStore{}, nil, nil, nil)
	_, err := a.Authenticate(context.Background(), "Bearer fc-good", crawler.ModeCrawl)
	require.Error(t, err)
	var rej *pipeline.Rejection
	require.False(t, errors.As(err, &rej), "store failures must not look like rejections")
}

func TestAuthenticateRateLimitPerMode(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(func(plan string, mode crawler.Mode) int {
		require.Equal(t, "standard", plan)
		if mode == crawler.ModeCrawl {
			return 1
		}
		return 0
	})
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "Bearer fc-good", crawler.ModeCrawl)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, "Bearer fc-good", crawler.ModeCrawl)
	requireRejection(t, err, http.StatusTooManyRequests, "")

	var rej *pipeline.Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, pipeline.KindRateLimited, rej.Kind)

	for i := 0; i < 10; i++ {
		_, err = a.Authenticate(ctx, "Bearer fc-good", crawler.ModeScrape)
		require.NoError(t, err)
	}
}
