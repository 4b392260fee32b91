package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterWindow(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedisLimiter(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, retry, err := lim.Allow(ctx, "agg-1", time.Now())
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("call %d: expected allow, got %v %v %v", i, allowed, retry, err)
		}
	}
	allowed, retryAfter, err := lim.Allow(ctx, "agg-1", time.Now())
	if err != nil || allowed {
		t.Fatalf("expected rate limited, got %v %v", allowed, err)
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}
	if allowed, _, _ := lim.Allow(ctx, "agg-2", time.Now()); !allowed {
		t.Fatalf("keys must be limited independently")
	}

	s.FastForward(600 * time.Millisecond)
	if allowed, _, err := lim.Allow(ctx, "agg-1", time.Now()); err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

func TestMemoryLimiterBucket(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, _, _ := lim.Allow(ctx, "agg", now); !allowed {
			t.Fatalf("call %d: expected allow", i)
		}
	}
	allowed, retry, err := lim.Allow(ctx, "agg", now)
	if err != nil || allowed {
		t.Fatalf("expected third call limited")
	}
	if retry <= 0 || retry > time.Second {
		t.Fatalf("unexpected retry hint %v", retry)
	}
	if allowed, _, _ := lim.Allow(ctx, "agg", now.Add(time.Second)); !allowed {
		t.Fatalf("expected allow after refill")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()
	lim.Allow(context.Background(), "a", now)
	lim.Allow(context.Background(), "b", now.Add(3*time.Second))
	if len(lim.entries) != 1 {
		t.Fatalf("expected stale entries removed, got %d", len(lim.entries))
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func TestFallbackLimiterUsesLocalOnError(t *testing.T) {
	lim := NewFallback(failingLimiter{}, NewMemory(1, time.Minute), nil)
	now := time.Now()
	if allowed, _, err := lim.Allow(context.Background(), "agg", now); err != nil || !allowed {
		t.Fatalf("expected fallback allow, got %v %v", allowed, err)
	}
	if allowed, _, _ := lim.Allow(context.Background(), "agg", now); allowed {
		t.Fatalf("expected fallback to enforce its own limit")
	}
}
