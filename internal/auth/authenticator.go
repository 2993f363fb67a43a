// Package auth resolves bearer API keys to tenants and enforces per-tenant,
// per-mode request rate limits.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
	"github.com/JakeFAU/scrape-gateway/internal/policy/ratelimit"
)

// Messages returned to callers on admission failure.
const (
	MsgTokenMissing = "Unauthorized: Token missing"
	MsgInvalidToken = "Unauthorized: Invalid token"
)

// RateLimitFunc resolves requests per minute for a plan and mode. Zero means
// unlimited.
type RateLimitFunc func(plan string, mode crawler.Mode) int

// Authenticator checks credentials against a KeyStore.
type Authenticator struct {
	keys    crawler.KeyStore
	limiter *ratelimit.Limiter
	limits  RateLimitFunc
	logger  *zap.Logger
}

// New builds an Authenticator. A nil limits function disables rate limiting.
func New(keys crawler.KeyStore, limiter *ratelimit.Limiter, limits RateLimitFunc, logger *zap.Logger) *Authenticator {
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if limits == nil {
		limits = func(string, crawler.Mode) int { return 0 }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		keys:    keys,
		limiter: limiter,
		limits:  limits,
		logger:  logger,
	}
}

// BearerToken extracts the key from an Authorization header value. It
// returns "" when the value is blank or carries no token.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return header
}

// Authenticate resolves credentials (an Authorization header value) for
// mode. Admission failures are returned as *pipeline.Rejection; any other
// error is a store fault.
func (a *Authenticator) Authenticate(ctx context.Context, credentials string, mode crawler.Mode) (crawler.Identity, error) {
	token := BearerToken(credentials)
	if token == "" {
		return crawler.Identity{}, pipeline.Reject(pipeline.KindAdmissionRejected, http.StatusUnauthorized, MsgTokenMissing)
	}
	identity, err := a.keys.LookupKey(ctx, token)
	if errors.Is(err, crawler.ErrKeyNotFound) {
		return crawler.Identity{}, pipeline.Reject(pipeline.KindAdmissionRejected, http.StatusUnauthorized, MsgInvalidToken)
	}
	if err != nil {
		return crawler.Identity{}, fmt.Errorf("resolve api key: %w", err)
	}
	rpm := a.limits(identity.Plan, mode)
	if !a.limiter.Allow(identity.TenantID+":"+string(mode), rpm) {
		a.logger.Warn("rate limit exceeded",
			zap.String("tenant_id", identity.TenantID),
			zap.String("mode", string(mode)),
			zap.Int("rpm", rpm))
		return crawler.Identity{}, pipeline.Reject(pipeline.KindRateLimited, http.StatusTooManyRequests,
			fmt.Sprintf("Rate limit exceeded for %s. Limit: %d requests per minute. Please retry later.", mode, rpm))
	}
	return identity, nil
}
