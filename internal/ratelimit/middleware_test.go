package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ironpanel/internal/model"
)

type failingLimiter struct{ NoopLimiter }

func (failingLimiter) Allow(context.Context, Key) (bool, error) {
	return false, errors.New("redis down")
}

func headerKey(r *http.Request) (Key, bool) {
	user := r.Header.Get("X-User")
	return Key{UserID: user}, user != ""
}

func serve(t *testing.T, h http.Handler, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/x/tokens", nil)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareDeniesWith429(t *testing.T) {
	lim, _ := newFakeLimiter(t, 1, 30*time.Second)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware(lim, headerKey, func(*http.Request) string { return "req-1" }, slog.Default())(ok)

	assert.Equal(t, http.StatusNoContent, serve(t, h, "admin").Code)

	rec := serve(t, h, "admin")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	// Requests without a key are not limited.
	assert.Equal(t, http.StatusNoContent, serve(t, h, "").Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware(failingLimiter{}, headerKey, nil, slog.Default())(ok)
	assert.Equal(t, http.StatusNoContent, serve(t, h, "admin").Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1500*time.Millisecond))
}
