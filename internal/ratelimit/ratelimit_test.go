package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := NewMemoryLimiter(Rule{PerSecond: 1, Burst: 3})
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := m.Allow(ctx, "key")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d within burst", i+1)
	}

	allowed, err := m.Allow(ctx, "key")
	require.NoError(t, err)
	assert.False(t, allowed, "burst exhausted")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(Rule{PerSecond: 1, Burst: 1})
	defer m.Close()
	ctx := context.Background()

	allowed, _ := m.Allow(ctx, "issue-a")
	assert.True(t, allowed)
	allowed, _ = m.Allow(ctx, "issue-a")
	assert.False(t, allowed)

	allowed, _ = m.Allow(ctx, "issue-b")
	assert.True(t, allowed, "a drained bucket must not affect other keys")
}

func TestMemoryLimiterPerClassRules(t *testing.T) {
	m := NewMemoryLimiter(Rule{PerSecond: 0.001, Burst: 1})
	m.SetRule("callback", Rule{PerSecond: 0.001, Burst: 3})
	defer m.Close()
	ctx := context.Background()

	// Default class: one request, then dry.
	allowed, _ := m.Allow(ctx, "spawn:issue-1")
	assert.True(t, allowed)
	allowed, _ = m.Allow(ctx, "spawn:issue-1")
	assert.False(t, allowed)

	// The callback class carries its own, larger burst.
	for i := 0; i < 3; i++ {
		allowed, _ = m.Allow(ctx, "callback:run-1")
		assert.True(t, allowed, "callback request %d within burst", i+1)
	}
	allowed, _ = m.Allow(ctx, "callback:run-1")
	assert.False(t, allowed)
}

func TestMemoryLimiterRefills(t *testing.T) {
	m := NewMemoryLimiter(Rule{PerSecond: 50, Burst: 1})
	defer m.Close()
	ctx := context.Background()

	allowed, _ := m.Allow(ctx, "key")
	require.True(t, allowed)
	allowed, _ = m.Allow(ctx, "key")
	require.False(t, allowed)

	// At 50 tokens/sec a fresh token arrives within ~20ms.
	assert.Eventually(t, func() bool {
		ok, _ := m.Allow(ctx, "key")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMemoryLimiterSweepEvictsIdleBuckets(t *testing.T) {
	m := NewMemoryLimiter(Rule{PerSecond: 0.001, Burst: 1})
	defer m.Close()
	ctx := context.Background()

	allowed, _ := m.Allow(ctx, "stale")
	require.True(t, allowed)
	allowed, _ = m.Allow(ctx, "stale")
	require.False(t, allowed)

	// An idle bucket is swept and the key starts fresh.
	m.sweep(time.Now().Add(bucketIdleTTL + time.Second))
	allowed, _ = m.Allow(ctx, "stale")
	assert.True(t, allowed)
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(Rule{PerSecond: 1, Burst: 1})
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiterAllowsEverything(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for i := 0; i < 100; i++ {
		allowed, err := l.Allow(context.Background(), "any")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	assert.NoError(t, l.Close())
}

// errLimiter always fails; the middleware must fail open.
type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (errLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func staticKey(key string) KeyFunc {
	return func(*http.Request) string { return key }
}

func TestMiddlewareDeniesWith429(t *testing.T) {
	m := NewMemoryLimiter(Rule{PerSecond: 0.001, Burst: 1})
	defer m.Close()
	handler := Middleware(m, "spawn", staticKey("issue-1"), nil)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/spawn", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/spawn", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestMiddlewarePrefixesIsolateEndpoints(t *testing.T) {
	m := NewMemoryLimiter(Rule{PerSecond: 0.001, Burst: 1})
	defer m.Close()
	spawn := Middleware(m, "spawn", staticKey("issue-1"), nil)(okHandler())
	query := Middleware(m, "query", staticKey("issue-1"), nil)(okHandler())

	rec := httptest.NewRecorder()
	spawn.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/spawn", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Same key, different prefix: separate budget.
	rec = httptest.NewRecorder()
	query.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewarePassThroughCases(t *testing.T) {
	// nil limiter.
	handler := Middleware(nil, "spawn", staticKey("k"), nil)(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Empty key skips limiting.
	m := NewMemoryLimiter(Rule{PerSecond: 0.001, Burst: 1})
	defer m.Close()
	handler = Middleware(m, "spawn", staticKey(""), nil)(okHandler())
	for i := 0; i < 5; i++ {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Limiter errors fail open.
	handler = Middleware(errLimiter{}, "spawn", staticKey("k"), nil)(okHandler())
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	assert.Equal(t, "203.0.113.9", IPKeyFunc(r))

	// X-Forwarded-For is deliberately ignored.
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "203.0.113.9", IPKeyFunc(r))
}
