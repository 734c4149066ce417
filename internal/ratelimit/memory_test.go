package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeLimiter(t *testing.T, capacity int, period time.Duration) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(capacity, period)
	m.now = clk.Now
	t.Cleanup(func() { closeLimiter(t, m) })
	return m, clk
}

var userA = Key{UserID: "alice"}

func TestMemoryLimiterCapacityThenDeny(t *testing.T) {
	const n = 5
	m, _ := newFakeLimiter(t, n, time.Minute)

	ctx := context.Background()
	for i := 0; i < n; i++ {
		ok, err := m.Allow(ctx, userA)
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected Allow=true for request %d (within capacity)", i)
		}
	}
	ok, err := m.Allow(ctx, userA)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("expected request N+1 to be denied")
	}
}

func TestMemoryLimiterRefillAfterPeriod(t *testing.T) {
	m, clk := newFakeLimiter(t, 3, time.Minute)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = m.Allow(ctx, userA)
	}
	if ok, _ := m.Allow(ctx, userA); ok {
		t.Fatal("should be denied immediately after exhausting capacity")
	}

	clk.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, userA); !ok {
			t.Fatalf("expected Allow=true for request %d after a full period", i)
		}
	}
}

func TestMemoryLimiterContinuousRefill(t *testing.T) {
	// 60 per minute is one token per second, earned gradually.
	m, clk := newFakeLimiter(t, 60, time.Minute)

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, _ = m.Allow(ctx, userA)
	}
	if ok, _ := m.Allow(ctx, userA); ok {
		t.Fatal("expected denial after exhausting capacity")
	}

	clk.Advance(500 * time.Millisecond)
	if ok, _ := m.Allow(ctx, userA); ok {
		t.Fatal("half a token is not enough")
	}

	clk.Advance(600 * time.Millisecond)
	if ok, _ := m.Allow(ctx, userA); !ok {
		t.Fatal("expected one token after 1.1s of refill")
	}
	if got, _ := m.Remaining(ctx, userA); got != 0 {
		t.Fatalf("Remaining = %d, want 0", got)
	}
}

func TestMemoryLimiterRealClockRefill(t *testing.T) {
	m := NewMemoryLimiter(2, 40*time.Millisecond)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, userA)
	_, _ = m.Allow(ctx, userA)
	if ok, _ := m.Allow(ctx, userA); ok {
		t.Fatal("should be denied immediately after exhausting capacity")
	}

	time.Sleep(50 * time.Millisecond)

	if ok, _ := m.Allow(ctx, userA); !ok {
		t.Fatal("expected Allow=true after waiting a full refill period")
	}
}

func TestMemoryLimiterZeroCapacityAlwaysDenies(t *testing.T) {
	m, clk := newFakeLimiter(t, 0, time.Minute)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, userA); ok {
			t.Fatal("zero capacity must deny")
		}
		clk.Advance(time.Hour)
	}
	if got, _ := m.Remaining(ctx, userA); got != 0 {
		t.Fatalf("Remaining = %d, want 0", got)
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newFakeLimiter(t, 1, time.Minute)

	ctx := context.Background()
	keys := []Key{
		{UserID: "alice"},
		{UserID: "alice", ProjectID: "p1"},
		{UserID: "alice", ProjectID: "p2"},
		{UserID: "bob"},
	}
	for _, k := range keys {
		if ok, _ := m.Allow(ctx, k); !ok {
			t.Fatalf("first request for %s should succeed", k)
		}
	}
	for _, k := range keys {
		if ok, _ := m.Allow(ctx, k); ok {
			t.Fatalf("second request for %s should be denied", k)
		}
	}
}

func TestMemoryLimiterRemainingDoesNotConsume(t *testing.T) {
	m, _ := newFakeLimiter(t, 4, time.Minute)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if got, _ := m.Remaining(ctx, userA); got != 4 {
			t.Fatalf("Remaining = %d, want 4", got)
		}
	}
	_, _ = m.Allow(ctx, userA)
	if got, _ := m.Remaining(ctx, userA); got != 3 {
		t.Fatalf("Remaining = %d, want 3", got)
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(50, time.Hour)
	defer closeLimiter(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	allowed := make([]int, 10)

	// 10 goroutines each send 10 requests for the same key.
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, userA)
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if ok {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	if total != 50 {
		t.Fatalf("expected exactly 50 allowed requests, got %d", total)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clk := newFakeLimiter(t, 5, time.Minute)

	ctx := context.Background()
	_, _ = m.Allow(ctx, Key{UserID: "stale"})
	clk.Advance(15 * time.Minute)
	_, _ = m.Allow(ctx, Key{UserID: "recent"})

	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["user:stale"]
	_, recentExists := m.buckets["user:recent"]
	m.mu.Unlock()

	if staleExists {
		t.Fatal("expected stale bucket to be evicted")
	}
	if !recentExists {
		t.Fatal("expected recent bucket to survive eviction")
	}
}

func TestMemoryLimiterEvictWaitsForLongPeriods(t *testing.T) {
	m, clk := newFakeLimiter(t, 1, time.Hour)

	ctx := context.Background()
	_, _ = m.Allow(ctx, userA)
	clk.Advance(30 * time.Minute)
	m.evictStale()

	if ok, _ := m.Allow(ctx, userA); ok {
		t.Fatal("eviction must not hand out a fresh bucket before the period elapses")
	}
}

func TestMemoryLimiterTokensCapAtCapacity(t *testing.T) {
	m, clk := newFakeLimiter(t, 3, time.Second)

	ctx := context.Background()
	_, _ = m.Allow(ctx, userA)
	clk.Advance(time.Hour)

	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, userA); !ok {
			t.Fatalf("expected Allow=true for request %d after long idle", i)
		}
	}
	if ok, _ := m.Allow(ctx, userA); ok {
		t.Fatal("expected Allow=false after capacity exhausted, even after long idle")
	}
}

func TestMemoryLimiterRetryAfter(t *testing.T) {
	m, _ := newFakeLimiter(t, 60, time.Minute)
	if got := m.RetryAfter(); got != time.Second {
		t.Fatalf("RetryAfter = %v, want 1s", got)
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, time.Second)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(ctx, userA)
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !ok {
			t.Fatal("NoopLimiter should always return true")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}

func TestKeyString(t *testing.T) {
	if got := (Key{UserID: "u1"}).String(); got != "user:u1" {
		t.Fatalf("got %q", got)
	}
	if got := (Key{UserID: "u1", ProjectID: "p9"}).String(); got != "user:u1:project:p9" {
		t.Fatalf("got %q", got)
	}
}
