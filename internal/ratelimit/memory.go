package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent bucket holding at most capacity tokens and
// refilling continuously at capacity/period tokens per second. A background
// goroutine evicts stale entries every minute to bound memory.
type MemoryLimiter struct {
	capacity float64
	rate     float64 // tokens added per second
	retry    time.Duration
	stale    time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter admitting capacity requests
// per period for each key. A capacity of zero denies everything.
//
// A background goroutine evicts keys not accessed for 10 minutes or one
// period, whichever is longer. Call Close to stop it.
func NewMemoryLimiter(capacity int, period time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		capacity: float64(max(capacity, 0)),
		retry:    refillInterval(capacity, period),
		stale:    max(staleThreshold, period),
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		done:     make(chan struct{}),
	}
	if capacity > 0 && period > 0 {
		m.rate = float64(capacity) / period.Seconds()
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for key. Returns true if a token
// was available (request should proceed), false otherwise (rate limited).
func (m *MemoryLimiter) Allow(_ context.Context, key Key) (bool, error) {
	if m.capacity == 0 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.refill(key.String())
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Remaining reports the whole tokens available for key.
func (m *MemoryLimiter) Remaining(_ context.Context, key Key) (int, error) {
	if m.capacity == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return int(math.Floor(m.refill(key.String()).tokens)), nil
}

// RetryAfter is the time to earn one token.
func (m *MemoryLimiter) RetryAfter() time.Duration { return m.retry }

// refill returns the bucket for key, topped up for elapsed time. A new key
// starts full. Caller holds m.mu.
func (m *MemoryLimiter) refill(key string) *bucket {
	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.capacity, lastAccess: now}
		m.buckets[key] = b
		return b
	}

	if elapsed := now.Sub(b.lastAccess).Seconds(); elapsed > 0 {
		b.tokens = math.Min(m.capacity, b.tokens+elapsed*m.rate)
	}
	b.lastAccess = now
	return b
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale drops buckets idle long enough to have refilled completely.
func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.stale)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
