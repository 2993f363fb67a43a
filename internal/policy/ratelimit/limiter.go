// Package ratelimit implements token bucket limiters keyed by an arbitrary
// string: tenant and mode for admission, host for outbound fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages keyed rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	observe      func(host string, waited time.Duration)
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// ObserveWait is called after Wait blocked for more than a millisecond.
	ObserveWait func(host string, waited time.Duration)
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		observe:      cfg.ObserveWait,
	}
}

// Allow consumes one token from the bucket for key, which refills at rpm
// requests per minute with a burst of rpm. rpm <= 0 means unlimited. A
// changed rpm for an existing key takes effect immediately.
func (l *Limiter) Allow(key string, rpm int) bool {
	if rpm <= 0 {
		return true
	}
	limit := rate.Limit(float64(rpm) / 60)
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(limit, rpm)
		l.limiters[key] = limiter
	} else if limiter.Limit() != limit || limiter.Burst() != rpm {
		limiter.SetLimit(limit)
		limiter.SetBurst(rpm)
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// Wait blocks until a token is available for the URL's host, respecting the
// context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, exists := l.limiters["host:"+host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters["host:"+host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(host, waited)
	}
	return nil
}
