package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/entitlements/pkg/contextkeys"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default rate limit settings for key validation
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Limiter admits or rejects one request for a key
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Config() RateLimitConfig
}

// RateLimiter implements in-process rate limiting using a token bucket
type RateLimiter struct {
	config  RateLimitConfig
	now     func() time.Time
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Config returns the limiter settings
func (rl *RateLimiter) Config() RateLimitConfig {
	return rl.config
}

func (rl *RateLimiter) capacity() float64 {
	return float64(rl.config.RequestsPerWindow + rl.config.BurstSize)
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rl.capacity(), lastUpdate: now}
		rl.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(b.lastUpdate)
	b.tokens += elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds()
	if b.tokens > rl.capacity() {
		b.tokens = rl.capacity()
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Cleanup removes buckets idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup starts a background goroutine to cleanup old buckets
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimit throttles requests per caller: the user id when the request
// carries one, the client address otherwise. Limiter failures let the
// request through.
func RateLimit(limiter Limiter, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := "ip:" + clientIP(r)
			if userID, ok := contextkeys.GetUserID(ctx); ok {
				key = fmt.Sprintf("user:%d", userID)
			}

			config := limiter.Config()
			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				observability.FromContext(ctx, logger).WithError(err).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", config.WindowDuration.Seconds()))
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
