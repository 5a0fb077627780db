package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter implements fixed-window rate limiting in Redis so
// limits are shared across instances
type DistributedRateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(client *redis.Client, config RateLimitConfig, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "entitlements:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  client,
		config: config,
		prefix: prefix,
	}
}

// Config returns the limiter settings
func (rl *DistributedRateLimiter) Config() RateLimitConfig {
	return rl.config
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow counts the request in the current window. The window starts with
// the first request and is not extended by later ones.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := rl.key(key)

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	if count == 1 {
		if err := rl.redis.Expire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return false, fmt.Errorf("redis error: %w", err)
		}
	}
	return count <= int64(rl.config.RequestsPerWindow+rl.config.BurstSize), nil
}

// Reset clears the window for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}
