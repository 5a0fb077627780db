package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestLimiter(config RateLimitConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(config)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	config := RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2}
	limiter, clock := newTestLimiter(config)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 20; i++ {
		if ok, _ := limiter.Allow(ctx, "user:1"); ok {
			allowed++
		}
	}
	assert.Equal(t, 12, allowed)

	// other keys have their own bucket
	ok, err := limiter.Allow(ctx, "user:2")
	require.NoError(t, err)
	assert.True(t, ok)

	// 10 per second refills one token every 100ms
	clock.now = clock.now.Add(100 * time.Millisecond)
	ok, _ = limiter.Allow(ctx, "user:1")
	assert.True(t, ok)
	ok, _ = limiter.Allow(ctx, "user:1")
	assert.False(t, ok)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter, clock := newTestLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second})
	ctx := context.Background()

	limiter.Allow(ctx, "old")
	clock.now = clock.now.Add(3 * time.Second)
	limiter.Allow(ctx, "fresh")

	limiter.Cleanup()
	assert.NotContains(t, limiter.buckets, "old")
	assert.Contains(t, limiter.buckets, "fresh")
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewDistributedRateLimiter(client, RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl := mr.TTL("entitlements:ratelimit:ip:10.0.0.1")
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(time.Minute + time.Second)
	ok, err = limiter.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, limiter.Reset(ctx, "ip:10.0.0.1"))
	assert.False(t, mr.Exists("entitlements:ratelimit:ip:10.0.0.1"))
}

func TestDistributedRateLimiter_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	limiter := NewDistributedRateLimiter(client, DefaultRateLimitConfig(), "")
	_, err := limiter.Allow(context.Background(), "ip:10.0.0.1")
	assert.ErrorContains(t, err, "redis error")
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (brokenLimiter) Config() RateLimitConfig { return DefaultRateLimitConfig() }

func TestRateLimitMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	handler := Identity(RateLimit(limiter, observability.NopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))

	send := func(headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/licenses/validate", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, send(nil).Code)
	w := send(nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	// identified callers and forwarded clients are keyed separately
	assert.Equal(t, http.StatusNoContent, send(map[string]string{UserIDHeader: "5"}).Code)
	assert.Equal(t, http.StatusNoContent, send(map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}).Code)
	assert.Contains(t, limiter.buckets, "user:5")
	assert.Contains(t, limiter.buckets, "ip:198.51.100.7")
	assert.Contains(t, limiter.buckets, "ip:192.0.2.1")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	handler := RateLimit(brokenLimiter{}, observability.NopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
