package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/carehub/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewLocker),
	fx.Provide(NewVisitKeys),
	fx.Provide(NewWriteLimiter),
)

type LockerParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Clock clock.Clock
	Log   *zap.Logger
}

// NewLocker prefers Redis so every API process shares the same leases.
func NewLocker(p LockerParams) Locker {
	if p.Redis != nil {
		return NewRedisLocker(p.Redis)
	}
	if p.Log != nil {
		p.Log.Named("ratelimit").Info("redis not configured, using in-process locks")
	}
	return NewLocalLocker(p.Clock)
}
