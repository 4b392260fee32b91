package rate

import (
	"context"
	"log/slog"
	"time"
)

// Limiter decides whether key may make another call now. retryAfter is a
// hint for the Retry-After header when the call is refused.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// FallbackLimiter prefers the shared limiter and drops to the local one
// while the shared one is failing.
type FallbackLimiter struct {
	primary  Limiter
	fallback Limiter
	logger   *slog.Logger
}

func NewFallback(primary, fallback Limiter, logger *slog.Logger) *FallbackLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackLimiter{primary: primary, fallback: fallback, logger: logger}
}

func (l *FallbackLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	if l.primary != nil {
		allowed, retry, err := l.primary.Allow(ctx, key, now)
		if err == nil {
			return allowed, retry, nil
		}
		l.logger.Warn("shared rate limiter unavailable, using local limiter", "error", err)
	}
	if l.fallback == nil {
		return true, 0, nil
	}
	return l.fallback.Allow(ctx, key, now)
}
