// Package ratelimit provides per-identity request admission for the control
// plane.
//
// Buckets are keyed by user and optional project; each key refills
// continuously at capacity/period tokens per second. The in-memory limiter
// serves single-instance deployments, and the Redis limiter runs the same
// arithmetic in a Lua script for multi-instance deployments.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/ironpanel/internal/model"
)

// Key identifies a bucket. ProjectID is optional; the same user in two
// projects gets two independent buckets.
type Key struct {
	UserID    string
	ProjectID string
}

// String renders the key as "user:<id>" or "user:<id>:project:<id>".
func (k Key) String() string {
	if k.ProjectID == "" {
		return "user:" + k.UserID
	}
	return "user:" + k.UserID + ":project:" + k.ProjectID
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one token and reports whether the request may proceed.
	// Returning an error signals a limiter malfunction; callers treat errors
	// as fail-open rather than blocking traffic.
	Allow(ctx context.Context, key Key) (bool, error)

	// Remaining reports the whole tokens currently available for key
	// without consuming any.
	Remaining(ctx context.Context, key Key) (int, error)

	// RetryAfter is how long an exhausted bucket needs to earn one token.
	RetryAfter() time.Duration

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// LimitedError reports a denied request together with the wait its
// limiter advertises. It matches model.ErrRateLimited.
type LimitedError struct {
	Key        Key
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, model.ErrRateLimited)
}

func (e *LimitedError) Unwrap() error { return model.ErrRateLimited }

// Denied builds the error for a request l refused for key.
func Denied(l Limiter, key Key) *LimitedError {
	return &LimitedError{Key: key, RetryAfter: l.RetryAfter()}
}

// refillInterval returns the time to earn one token, or zero when the
// bucket never refills.
func refillInterval(capacity int, period time.Duration) time.Duration {
	if capacity <= 0 || period <= 0 {
		return 0
	}
	return period / time.Duration(capacity)
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, Key) (bool, error) { return true, nil }

// Remaining reports an unbounded quota as -1.
func (NoopLimiter) Remaining(context.Context, Key) (int, error) { return -1, nil }

// RetryAfter is zero.
func (NoopLimiter) RetryAfter() time.Duration { return 0 }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
