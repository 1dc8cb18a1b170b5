package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyBucket = "coursepay:rl:%s:%s"
	keyLock   = "coursepay:lock:%s:%s"
)

// SubjectLimiter throttles processor-calling endpoints per caller. It fails
// open: a Redis error lets the request through and is logged.
type SubjectLimiter struct {
	bucket  *TokenBucket
	locker  *Locker
	limit   Limit
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Params struct {
	fx.In

	Client  *redis.Client `optional:"true"`
	Cfg     config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func NewSubjectLimiter(p Params) *SubjectLimiter {
	return &SubjectLimiter{
		bucket:  NewTokenBucket(p.Client),
		locker:  NewLocker(p.Client),
		limit:   Limit{Rate: p.Cfg.RestoreRate, Burst: p.Cfg.RestoreBurst},
		log:     p.Log.Named("ratelimit"),
		metrics: p.Metrics,
	}
}

func (l *SubjectLimiter) Enabled() bool {
	return l != nil && l.bucket != nil && l.limit.validate() == nil
}

// Allow takes one token from the (scope, subject) bucket.
func (l *SubjectLimiter) Allow(ctx context.Context, scope, subjectID string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	d, err := l.bucket.Take(ctx, fmt.Sprintf(keyBucket, scope, subjectID), l.limit)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing request",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return true, 0
	}
	if !d.Allowed {
		l.metrics.RecordRateLimitDenied(ctx, scope)
	}
	return d.Allowed, d.RetryAfter
}

// Acquire takes a short exclusive lock on (scope, subject). The returned
// release func is always safe to call.
func (l *SubjectLimiter) Acquire(ctx context.Context, scope, subjectID string, ttl time.Duration) (func(), bool) {
	noop := func() {}
	if l == nil || l.locker == nil {
		return noop, true
	}
	lease, err := l.locker.Lock(ctx, fmt.Sprintf(keyLock, scope, subjectID), ttl)
	switch {
	case errors.Is(err, ErrLockHeld):
		return noop, false
	case err != nil:
		l.log.Warn("lock failed, proceeding without it", zap.String("scope", scope), zap.Error(err))
		return noop, true
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn("lock release failed", zap.String("scope", scope), zap.Error(err))
		}
	}, true
}
