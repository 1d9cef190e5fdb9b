package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Backend performs the atomic token-bucket check for a single key. Redis
// (redis_backend.go) and in-process (fallback_backend.go) implementations
// share this interface so Limiter never depends on a specific transport.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// TierConfig holds rate limit configuration for a tier.
type TierConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Limiter implements token bucket rate limiting, keyed per-caller. It
// coordinates limits within whatever Backend it is given; a Redis backend
// shares state across instances pointed at the same Redis, but this is not
// a cross-instance fairness scheme on its own.
type Limiter struct {
	backend     Backend
	tiers       map[string]TierConfig
	defaultTier TierConfig
}

// New creates a new rate limiter over the given backend.
func New(backend Backend, tiers map[string]TierConfig, defaultTier TierConfig) *Limiter {
	if tiers == nil {
		tiers = make(map[string]TierConfig)
	}
	return &Limiter{
		backend:     backend,
		tiers:       tiers,
		defaultTier: defaultTier,
	}
}

// Result contains the result of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks if a request is allowed for the given key and tier.
func (l *Limiter) Allow(ctx context.Context, key, tier string) (Result, error) {
	return l.AllowN(ctx, key, tier, 1)
}

// AllowN checks if N requests are allowed.
func (l *Limiter) AllowN(ctx context.Context, key, tier string, n int) (Result, error) {
	cfg := l.getTierConfig(tier)

	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, cfg.BurstSize, cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	// Calculate when bucket will be full again
	tokensNeeded := float64(cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds) * time.Second)

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// getTierConfig returns the config for a tier, falling back to default.
func (l *Limiter) getTierConfig(tier string) TierConfig {
	if cfg, ok := l.tiers[tier]; ok {
		return cfg
	}
	return l.defaultTier
}

// KeyForCaller returns the rate limit key for a named caller (e.g. a
// console session identifier or an admin API credential).
func KeyForCaller(name string) string {
	return "wotto:rl:caller:" + name
}

// KeyForIP returns the rate limit key for an IP address.
func KeyForIP(ip string) string {
	return "wotto:rl:ip:" + ip
}

// KeyForGlobal returns the rate limit key for anonymous/global requests.
func KeyForGlobal(ip string) string {
	return "wotto:rl:global:" + ip
}
