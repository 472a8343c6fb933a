package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/carehub/internal/config"
)

const keyWritePrincipal = "%s:%s:writes:%s"

// WriteLimiter caps the write rate of each principal across all API
// processes. A nil or disabled limiter allows everything.
type WriteLimiter struct {
	enabled bool
	bucket  *TokenBucket
	prefix  string
	tenant  string
	rate    float64
	burst   int
}

func NewWriteLimiter(cfg config.Config, client *redis.Client) (*WriteLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("write rate limit requires REDIS_ADDR")
	}
	if limitCfg.WriteRate <= 0 || limitCfg.WriteBurst <= 0 {
		return nil, errors.New("write rate limit must be positive")
	}
	return &WriteLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		prefix:  lockPrefix(cfg),
		tenant:  cfg.TenantID,
		rate:    limitCfg.WriteRate,
		burst:   limitCfg.WriteBurst,
	}, nil
}

func (l *WriteLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *WriteLimiter) AllowPrincipal(ctx context.Context, principalID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWritePrincipal, l.prefix, l.tenant, strings.TrimSpace(principalID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}

func lockPrefix(cfg config.Config) string {
	prefix := strings.TrimSpace(cfg.RateLimit.LockKeyPrefix)
	if prefix == "" {
		return "carehub"
	}
	return prefix
}
