package licensing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

func sampleLicense() *License {
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	return &License{
		ID:                7,
		OrganizationID:    3,
		LicenseKey:        "lic_secret",
		KeyHash:           "abc123",
		Tier:              TierProfessional,
		Status:            StatusActive,
		Features:          []string{FeatureAPIAccess},
		Limits:            map[string]*int64{usage.LimitServers: limit(25), usage.LimitUsers: nil},
		AuthorizedDomains: []string{"example.com"},
		IssuedAt:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:         &expires,
		GracePeriodDays:   7,
	}
}

func TestLocalCache(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := NewLocalCache(10, time.Minute, metrics)

	_, ok, err := cache.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	l := sampleLicense()
	require.NoError(t, cache.Set(ctx, l))
	assert.Equal(t, 1, cache.Len())

	got, ok, err := cache.Get(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.LicenseKey, "clear keys are never cached")
	assert.Equal(t, l.KeyHash, got.KeyHash)
	assert.Equal(t, l.Limits, got.Limits)

	// callers cannot mutate the cached copy
	got.Status = StatusRevoked
	again, _, _ := cache.Get(ctx, "abc123")
	assert.Equal(t, StatusActive, again.Status)

	require.NoError(t, cache.Invalidate(ctx, "abc123"))
	_, ok, _ = cache.Get(ctx, "abc123")
	assert.False(t, ok)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("license_local")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("license_local")))
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, time.Minute, nil), mr
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisCache(t)

	_, ok, err := cache.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	l := sampleLicense()
	require.NoError(t, cache.Set(ctx, l))
	assert.True(t, mr.Exists("entitlements:license:abc123"))
	assert.Equal(t, time.Minute, mr.TTL("entitlements:license:abc123"))

	raw, err := mr.Get("entitlements:license:abc123")
	require.NoError(t, err)
	assert.NotContains(t, raw, "lic_secret")

	got, ok, err := cache.Get(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123", got.KeyHash)
	assert.Equal(t, l.OrganizationID, got.OrganizationID)
	assert.Equal(t, l.Tier, got.Tier)
	assert.Equal(t, l.Features, got.Features)
	assert.Nil(t, got.Limits[usage.LimitUsers])
	require.NotNil(t, got.Limits[usage.LimitServers])
	assert.Equal(t, int64(25), *got.Limits[usage.LimitServers])
	assert.True(t, l.ExpiresAt.Equal(*got.ExpiresAt))

	require.NoError(t, cache.Invalidate(ctx, "abc123"))
	assert.False(t, mr.Exists("entitlements:license:abc123"))
}

func TestRedisCache_Expiry(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisCache(t)

	require.NoError(t, cache.Set(ctx, sampleLicense()))
	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisCache(t)

	require.NoError(t, mr.Set("entitlements:license:abc123", "{not json"))

	_, ok, err := cache.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("entitlements:license:abc123"))
}

func TestRedisCache_Unavailable(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisCache(t)
	mr.Close()

	_, _, err := cache.Get(ctx, "abc123")
	assert.Error(t, err)
	assert.Error(t, cache.Set(ctx, sampleLicense()))
}

func TestEngine_RedisCacheInvalidatedOnTransition(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	cache, mr := newRedisCache(t)
	engine := NewEngine(f.store, f.codec, f.counter, EngineConfig{Cache: cache, Now: f.clock.Now})

	l, err := engine.IssueLicense(ctx, 1, IssueConfig{})
	require.NoError(t, err)

	_, err = engine.ValidateLicense(ctx, l.LicenseKey, "")
	require.NoError(t, err)
	assert.True(t, mr.Exists("entitlements:license:"+l.KeyHash))

	changed, err := engine.RevokeLicense(ctx, l.ID)
	require.NoError(t, err)
	require.True(t, changed)
	assert.False(t, mr.Exists("entitlements:license:"+l.KeyHash))

	_, err = engine.ValidateLicense(ctx, l.LicenseKey, "")
	assert.ErrorIs(t, err, errdefs.ErrRevoked)
}

func TestEngine_CacheOutageFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	cache, mr := newRedisCache(t)
	engine := NewEngine(f.store, f.codec, f.counter, EngineConfig{Cache: cache, Now: f.clock.Now})

	l, err := engine.IssueLicense(ctx, 1, IssueConfig{})
	require.NoError(t, err)
	mr.Close()

	result, err := engine.ValidateLicense(ctx, l.LicenseKey, "")
	require.NoError(t, err)
	assert.Equal(t, l.ID, result.LicenseID)

	// failed invalidation does not fail the transition
	changed, err := engine.SuspendLicense(ctx, l.ID, "")
	require.NoError(t, err)
	assert.True(t, changed)
}
