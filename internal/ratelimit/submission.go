package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/srmerror"
)

const tenantKeyPrefix = "srm:submit:tenant:"

// SubmissionLimiter throttles transaction submissions per tenant so a
// runaway terminal cannot flood the signing chain and the outbox.
type SubmissionLimiter struct {
	bucket *TokenBucket
	limit  Limit
}

// NewSubmissionLimiter returns nil when rate limiting is disabled.
func NewSubmissionLimiter(cfg config.Config, client *redis.Client) (*SubmissionLimiter, error) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, srmerror.Configuration("REDIS_ADDR", "required when rate limiting is enabled", nil)
	}
	limit := Limit{Rate: rl.TenantRate, Burst: rl.TenantBurst}
	if !limit.valid() {
		return nil, srmerror.Configuration("RATE_LIMIT_TENANT_RATE", "rate and burst must be positive", nil)
	}
	return &SubmissionLimiter{bucket: NewTokenBucket(client), limit: limit}, nil
}

func (l *SubmissionLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowTenant takes one token from the tenant's bucket. A disabled limiter
// always allows.
func (l *SubmissionLimiter) AllowTenant(ctx context.Context, tenantID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Take(ctx, tenantKeyPrefix+strings.TrimSpace(tenantID), l.limit)
}
