package adapter

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	openedUntil time.Time
	cooldown    time.Duration
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (b *circuitBreaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedUntil.IsZero() {
		return true
	}
	if now.After(b.openedUntil) {
		b.openedUntil = time.Time{}
		b.failures = 0
		return true
	}
	return false
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedUntil = time.Time{}
}

func (b *circuitBreaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedUntil = now.Add(b.cooldown)
	}
}

// Breakers keeps one circuit breaker per aggregator. Only transport-level
// failures count; a well-formed decline resets the breaker.
type Breakers struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	byID      map[uuid.UUID]*circuitBreaker
	now       func() time.Time
}

func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	return &Breakers{
		threshold: threshold,
		cooldown:  cooldown,
		byID:      make(map[uuid.UUID]*circuitBreaker),
		now:       time.Now,
	}
}

func (b *Breakers) get(id uuid.UUID) *circuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byID[id]
	if !ok {
		cb = newCircuitBreaker(b.threshold, b.cooldown)
		b.byID[id] = cb
	}
	return cb
}

func (b *Breakers) Allow(id uuid.UUID) bool {
	if b == nil {
		return true
	}
	return b.get(id).allow(b.now())
}

func (b *Breakers) RecordSuccess(id uuid.UUID) {
	if b == nil {
		return
	}
	b.get(id).recordSuccess()
}

func (b *Breakers) RecordFailure(id uuid.UUID) {
	if b == nil {
		return
	}
	b.get(id).recordFailure(b.now())
}
