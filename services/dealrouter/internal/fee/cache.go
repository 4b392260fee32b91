package fee

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
)

// schedule is the flat relation plus the active ranges of one scope,
// ranges sorted ascending by MinAmount.
type schedule struct {
	relation storage.FeeRelation
	ranges   []storage.FeeRange
	missing  bool
	loadedAt time.Time
}

type ScheduleCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	schedules map[storage.FeeScope]schedule
	now       func() time.Time
}

type RefreshMetrics interface {
	ObserveFeeCacheRefresh(duration time.Duration, size int)
}

func NewScheduleCache(ttl time.Duration) *ScheduleCache {
	return &ScheduleCache{
		ttl:       ttl,
		schedules: make(map[storage.FeeScope]schedule),
		now:       time.Now,
	}
}

func (c *ScheduleCache) get(scope storage.FeeScope) (schedule, bool) {
	if c == nil {
		return schedule{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[scope]
	if !ok {
		return schedule{}, false
	}
	if c.ttl > 0 && c.now().Sub(s.loadedAt) > c.ttl {
		return schedule{}, false
	}
	return s, true
}

func (c *ScheduleCache) put(scope storage.FeeScope, s schedule) {
	if c == nil {
		return
	}
	s.loadedAt = c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedules[scope] = s
}

// Invalidate drops a scope so the next resolution reads through.
func (c *ScheduleCache) Invalidate(scope storage.FeeScope) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.schedules, scope)
}

func (c *ScheduleCache) Size() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.schedules)
}

func (c *ScheduleCache) scopes() []storage.FeeScope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.FeeScope, 0, len(c.schedules))
	for scope := range c.schedules {
		out = append(out, scope)
	}
	return out
}

// Refresh reloads every cached scope from store. A scope that fails to
// load is evicted rather than served stale.
func (c *ScheduleCache) Refresh(ctx context.Context, store Store) error {
	var firstErr error
	for _, scope := range c.scopes() {
		s, err := loadSchedule(ctx, store, scope)
		if err != nil {
			c.Invalidate(scope)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.put(scope, s)
	}
	return firstErr
}

func (c *ScheduleCache) StartAutoRefresh(ctx context.Context, store Store, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("fee cache refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.Refresh(refreshCtx, store)
				cancel()
				if err != nil {
					logger.Error("fee cache refresh failed", "error", err)
					continue
				}
				if metrics != nil {
					metrics.ObserveFeeCacheRefresh(time.Since(start), c.Size())
				}
				logger.Debug("fee schedule cache refreshed", "scopes", c.Size())
			}
		}
	}()
}
