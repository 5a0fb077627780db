package licensing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

// DefaultCacheTTL is how long a license record may be served from cache
const DefaultCacheTTL = 300 * time.Second

// ValidationCache holds license records keyed by key hash. Derived state
// is recomputed from the record on every read, so an entry never outlives
// the license's expiry.
type ValidationCache interface {
	Get(ctx context.Context, keyHash string) (*License, bool, error)
	Set(ctx context.Context, l *License) error
	Invalidate(ctx context.Context, keyHash string) error
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*License, bool, error) { return nil, false, nil }
func (nopCache) Set(context.Context, *License) error                 { return nil }
func (nopCache) Invalidate(context.Context, string) error            { return nil }

// LocalCache is an in-process ValidationCache
type LocalCache struct {
	lru     *expirable.LRU[string, *License]
	metrics *observability.Metrics
}

// NewLocalCache creates an in-process cache holding at most size records for ttl
func NewLocalCache(size int, ttl time.Duration, metrics *observability.Metrics) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &LocalCache{
		lru:     expirable.NewLRU[string, *License](size, nil, ttl),
		metrics: metrics,
	}
}

// Get implements ValidationCache
func (c *LocalCache) Get(ctx context.Context, keyHash string) (*License, bool, error) {
	l, ok := c.lru.Get(keyHash)
	recordCache(c.metrics, "license_local", ok)
	if !ok {
		return nil, false, nil
	}
	return l.clone(), true, nil
}

// Set implements ValidationCache
func (c *LocalCache) Set(ctx context.Context, l *License) error {
	c.lru.Add(l.KeyHash, l.Masked())
	return nil
}

// Invalidate implements ValidationCache
func (c *LocalCache) Invalidate(ctx context.Context, keyHash string) error {
	c.lru.Remove(keyHash)
	return nil
}

// Len returns the number of cached records
func (c *LocalCache) Len() int {
	return c.lru.Len()
}

// RedisCache is a ValidationCache shared between instances
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	metrics *observability.Metrics
}

// NewRedisCache creates a Redis-backed cache
func NewRedisCache(client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		client:  client,
		ttl:     ttl,
		prefix:  "entitlements:license:",
		metrics: metrics,
	}
}

// cachedLicense carries the key hash, which License omits from JSON
type cachedLicense struct {
	KeyHash string   `json:"key_hash"`
	License *License `json:"license"`
}

func (c *RedisCache) key(keyHash string) string {
	return c.prefix + keyHash
}

// Get implements ValidationCache
func (c *RedisCache) Get(ctx context.Context, keyHash string) (*License, bool, error) {
	data, err := c.client.Get(ctx, c.key(keyHash)).Bytes()
	if err == redis.Nil {
		recordCache(c.metrics, "license_redis", false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached license: %w", err)
	}

	var entry cachedLicense
	if err := json.Unmarshal(data, &entry); err != nil || entry.License == nil {
		// Corrupt entries are dropped and treated as a miss
		c.client.Del(ctx, c.key(keyHash))
		recordCache(c.metrics, "license_redis", false)
		return nil, false, nil
	}
	entry.License.KeyHash = entry.KeyHash
	recordCache(c.metrics, "license_redis", true)
	return entry.License, true, nil
}

// Set implements ValidationCache
func (c *RedisCache) Set(ctx context.Context, l *License) error {
	data, err := json.Marshal(cachedLicense{KeyHash: l.KeyHash, License: l.Masked()})
	if err != nil {
		return fmt.Errorf("failed to marshal license: %w", err)
	}
	if err := c.client.Set(ctx, c.key(l.KeyHash), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache license: %w", err)
	}
	return nil
}

// Invalidate implements ValidationCache
func (c *RedisCache) Invalidate(ctx context.Context, keyHash string) error {
	if err := c.client.Del(ctx, c.key(keyHash)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached license: %w", err)
	}
	return nil
}

func recordCache(metrics *observability.Metrics, cacheType string, hit bool) {
	if metrics == nil {
		return
	}
	if hit {
		metrics.CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		metrics.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}
