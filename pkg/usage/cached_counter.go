package usage

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

// CachedCounter serves recent snapshots from memory for at most ttl
type CachedCounter struct {
	inner   Counter
	cache   *lru.LRU[int64, Snapshot]
	metrics *observability.Metrics
}

// NewCachedCounter wraps inner. A non-positive ttl disables caching.
func NewCachedCounter(inner Counter, size int, ttl time.Duration, metrics *observability.Metrics) Counter {
	if ttl <= 0 {
		return inner
	}
	if size <= 0 {
		size = 1024
	}
	return &CachedCounter{
		inner:   inner,
		cache:   lru.NewLRU[int64, Snapshot](size, nil, ttl),
		metrics: metrics,
	}
}

// Count returns a cached snapshot or computes a fresh one
func (c *CachedCounter) Count(ctx context.Context, organizationID int64) (Snapshot, error) {
	if snap, ok := c.cache.Get(organizationID); ok {
		c.record(true)
		return snap, nil
	}
	c.record(false)

	snap, err := c.inner.Count(ctx, organizationID)
	if err != nil {
		return Snapshot{}, err
	}
	c.cache.Add(organizationID, snap)
	return snap, nil
}

// CountMany fetches only the organizations missing from the cache
func (c *CachedCounter) CountMany(ctx context.Context, ids []int64) (map[int64]Snapshot, error) {
	result := make(map[int64]Snapshot, len(ids))
	var missing []int64
	for _, id := range ids {
		if snap, ok := c.cache.Get(id); ok {
			result[id] = snap
			c.record(true)
			continue
		}
		c.record(false)
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return result, nil
	}

	fresh, err := c.inner.CountMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, snap := range fresh {
		c.cache.Add(id, snap)
		result[id] = snap
	}
	return result, nil
}

// Invalidate drops the cached snapshot of one organization
func (c *CachedCounter) Invalidate(organizationID int64) {
	c.cache.Remove(organizationID)
}

func (c *CachedCounter) record(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHitsTotal.WithLabelValues("usage").Inc()
	} else {
		c.metrics.CacheMissesTotal.WithLabelValues("usage").Inc()
	}
}
