package licensing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/audit"
	"github.com/platinummonkey/entitlements/pkg/errdefs"
)

// interleavingStore runs a hook once, after a key-hash read and before the
// caller sees the result
type interleavingStore struct {
	*MemoryStore
	once sync.Once
	hook func()
}

func (s *interleavingStore) GetByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	l, err := s.MemoryStore.GetByKeyHash(ctx, keyHash)
	if err == nil && s.hook != nil {
		s.once.Do(s.hook)
	}
	return l, err
}

func TestEngine_RevokeBetweenReadAndCacheFill(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	l := f.issue(t, 10, IssueConfig{Tier: TierBasic})

	store := &interleavingStore{MemoryStore: f.store}
	engine := NewEngine(store, f.codec, f.counter, EngineConfig{Cache: f.cache, Now: f.clock.Now})
	store.hook = func() {
		changed, err := engine.RevokeLicense(ctx, l.ID)
		require.NoError(t, err)
		require.True(t, changed)
	}

	_, err := engine.ValidateLicense(ctx, l.LicenseKey, "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindRevoked), "got %v", err)
	assert.Equal(t, 0, f.cache.Len(), "stale fill must be dropped")

	_, err = engine.ValidateLicense(ctx, l.LicenseKey, "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindRevoked), "got %v", err)
}

func TestEngine_SuspendBetweenReadAndCacheFill(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	l := f.issue(t, 10, IssueConfig{Tier: TierBasic})

	store := &interleavingStore{MemoryStore: f.store}
	engine := NewEngine(store, f.codec, f.counter, EngineConfig{Cache: f.cache, Now: f.clock.Now})
	store.hook = func() {
		_, err := engine.SuspendLicense(ctx, l.ID, "chargeback")
		require.NoError(t, err)
	}

	_, _ = engine.ValidateLicense(ctx, l.LicenseKey, "")

	_, err := engine.ValidateLicense(ctx, l.LicenseKey, "")
	var domainErr *errdefs.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, errdefs.KindSuspended, domainErr.Kind)
	assert.Equal(t, "chargeback", domainErr.Reason)
}

// failingCache forgets nothing
type failingCache struct {
	*LocalCache
}

func (failingCache) Invalidate(context.Context, string) error {
	return errors.New("connection refused")
}

func TestEngine_TransitionReportsFailedInvalidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	engine := NewEngine(f.store, f.codec, f.counter, EngineConfig{Cache: failingCache{f.cache}, Now: f.clock.Now})

	l, err := engine.IssueLicense(ctx, 10, IssueConfig{Tier: TierBasic})
	require.NoError(t, err)
	_, err = engine.ValidateLicense(ctx, l.LicenseKey, "")
	require.NoError(t, err)

	changed, err := engine.RevokeLicense(ctx, l.ID)
	assert.True(t, changed)
	assert.ErrorIs(t, err, ErrCacheInvalidation)
	assert.ErrorContains(t, err, "connection refused")

	stored, err := f.store.GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, stored.Status)
}

func TestEngine_RevokeOrganizationLicenses(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	live := f.issue(t, 10, IssueConfig{Tier: TierBasic})
	revoked := f.issue(t, 11, IssueConfig{Tier: TierBasic})
	_, err := f.engine.RevokeLicense(ctx, revoked.ID)
	require.NoError(t, err)

	_, err = f.engine.ValidateLicense(ctx, live.LicenseKey, "")
	require.NoError(t, err)

	require.NoError(t, f.engine.RevokeOrganizationLicenses(ctx, []int64{10, 11, 12}))

	_, err = f.engine.ValidateLicense(ctx, live.LicenseKey, "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindRevoked))
	assert.Len(t, f.audit.OfType(audit.EventLicenseRevoked), 2)
}
