package licensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/entitlements/pkg/audit"
	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/licensekey"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// ErrCacheInvalidation is wrapped by transitions that committed but could
// not drop the cached record. The change is durable; cached readers may
// still see the previous state until the entry expires.
var ErrCacheInvalidation = errors.New("license cache invalidation failed")

// DefaultGracePeriodDays applies when neither configuration nor the issue request sets one
const DefaultGracePeriodDays = 7

// EngineConfig holds the policy and collaborators of an Engine. Zero
// values fall back to the built-in defaults.
type EngineConfig struct {
	Tiers           map[Tier]TierPolicy
	GracePeriodDays int
	DomainMatch     DomainMatch
	Cache           ValidationCache
	Audit           audit.Logger
	Logger          *observability.Logger
	Metrics         *observability.Metrics
	Now             func() time.Time
}

// Engine validates, issues and transitions licenses
type Engine struct {
	store   Store
	codec   *licensekey.Codec
	counter usage.Counter

	tiers       map[Tier]TierPolicy
	grace       int
	domainMatch DomainMatch
	cache       ValidationCache
	audit       audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewEngine creates a licensing engine
func NewEngine(store Store, codec *licensekey.Codec, counter usage.Counter, cfg EngineConfig) *Engine {
	e := &Engine{
		store:       store,
		codec:       codec,
		counter:     counter,
		tiers:       cfg.Tiers,
		grace:       cfg.GracePeriodDays,
		domainMatch: cfg.DomainMatch,
		cache:       cfg.Cache,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if e.tiers == nil {
		e.tiers = DefaultTiers()
	}
	if e.grace <= 0 {
		e.grace = DefaultGracePeriodDays
	}
	if !e.domainMatch.Valid() {
		e.domainMatch = DomainMatchExact
	}
	if e.cache == nil {
		e.cache = nopCache{}
	}
	if e.audit == nil {
		e.audit = audit.NopLogger{}
	}
	if e.logger == nil {
		e.logger = observability.NopLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.counter == nil {
		e.counter = usage.NewMapCounter()
	}
	return e
}

// ValidateLicense checks a key and, when domain is non-empty, the domain
// allow-list. Checks run in order: key integrity, existence, key binding,
// revocation, expiry past grace, suspension, domain.
func (e *Engine) ValidateLicense(ctx context.Context, key, domain string) (result *ValidationResult, err error) {
	start := e.now()
	ctx, span := observability.StartSpan(ctx, "licensing.ValidateLicense")
	defer func() {
		observability.EndSpan(span, err)
		e.observeValidation(result, err, start)
	}()

	claims, err := e.codec.Parse(key)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("org.id", claims.OrganizationID))

	l, err := e.lookup(ctx, licensekey.Hash(key))
	if err != nil {
		return nil, err
	}
	if l.OrganizationID != claims.OrganizationID || !claims.Matches(licensekey.KeyConfig{Tier: string(l.Tier)}) {
		return nil, errdefs.ValidationFailed("license key does not match its license record")
	}

	state, err := e.checkState(l)
	if err != nil {
		return nil, err
	}
	if domain != "" && !e.IsDomainAuthorized(l, domain) {
		return nil, errdefs.DomainNotAuthorized(NormalizeDomain(domain))
	}
	return newValidationResult(l, state), nil
}

// CheckOrganizationLicense applies the status checks of ValidateLicense to
// the organization's current license, without a key or domain
func (e *Engine) CheckOrganizationLicense(ctx context.Context, organizationID int64) (*ValidationResult, error) {
	l, err := e.store.GetByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	state, err := e.checkState(l)
	if err != nil {
		return nil, err
	}
	return newValidationResult(l, state), nil
}

func (e *Engine) checkState(l *License) (State, error) {
	state := l.State(e.now())
	switch state {
	case StateRevoked:
		return state, errdefs.Revoked()
	case StateExpired:
		expiredAt := l.UpdatedAt
		if end := l.GraceEndsAt(); end != nil {
			expiredAt = *end
		}
		return state, errdefs.Expired(expiredAt)
	case StateSuspended:
		return state, errdefs.Suspended(l.SuspensionReason)
	case StateActive, StateGrace:
		return state, nil
	default:
		return state, fmt.Errorf("unhandled license state %q", state)
	}
}

// lookup serves from cache or fills it from the store. A fill is checked
// against a second read: a transition committed between the read and the
// fill may already have run its invalidation, so a fill that no longer
// matches the store is dropped again.
func (e *Engine) lookup(ctx context.Context, keyHash string) (*License, error) {
	if l, ok, err := e.cache.Get(ctx, keyHash); err != nil {
		e.logger.WithError(err).Warn("license cache read failed")
	} else if ok {
		return l, nil
	}

	l, err := e.store.GetByKeyHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, l); err != nil {
		e.logger.WithError(err).Warn("license cache write failed")
		return l, nil
	}

	current, err := e.store.GetByKeyHash(ctx, keyHash)
	if err != nil {
		if dropErr := e.cache.Invalidate(ctx, keyHash); dropErr != nil {
			e.logger.WithError(dropErr).WithField("license_id", l.ID).Error("license cache invalidation failed")
		}
		return nil, err
	}
	if !sameRevision(l, current) {
		if err := e.cache.Invalidate(ctx, keyHash); err != nil {
			e.logger.WithError(err).WithField("license_id", l.ID).Error("license cache invalidation failed")
		}
	}
	return current, nil
}

// sameRevision reports whether two reads of a license carry the same
// transition state
func sameRevision(a, b *License) bool {
	return a.Status == b.Status &&
		a.SuspensionReason == b.SuspensionReason &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func (e *Engine) invalidate(ctx context.Context, l *License) error {
	if err := e.cache.Invalidate(ctx, l.KeyHash); err != nil {
		e.logger.WithError(err).WithField("license_id", l.ID).Error("license cache invalidation failed")
		return fmt.Errorf("license %d: %w: %w", l.ID, ErrCacheInvalidation, err)
	}
	return nil
}

func (e *Engine) observeValidation(result *ValidationResult, err error, start time.Time) {
	if e.metrics == nil {
		return
	}
	label := "valid"
	switch {
	case err != nil:
		if kind := errdefs.KindOf(err); kind != "" {
			label = string(kind)
		} else {
			label = "error"
		}
	case result.InGracePeriod:
		label = "grace"
	}
	e.metrics.LicenseValidationsTotal.WithLabelValues(label).Inc()
	e.metrics.LicenseValidationLatency.Observe(e.now().Sub(start).Seconds())
}

// IssueLicense creates the organization's license from its tier defaults
// and the overrides in cfg. The returned license carries the clear key;
// it is never stored or returned again.
func (e *Engine) IssueLicense(ctx context.Context, organizationID int64, cfg IssueConfig) (l *License, err error) {
	ctx, span := observability.StartSpan(ctx, "licensing.IssueLicense", attribute.Int64("org.id", organizationID))
	defer func() { observability.EndSpan(span, err) }()

	tier := cfg.Tier
	if tier == "" {
		tier = TierBasic
	}
	if !tier.Valid() {
		return nil, errdefs.ValidationFailed(fmt.Sprintf("unknown license tier %q", tier))
	}
	policy, ok := e.tiers[tier]
	if !ok {
		return nil, errdefs.ValidationFailed(fmt.Sprintf("tier %q is not configured", tier))
	}
	features, limits, err := policy.resolve(cfg)
	if err != nil {
		return nil, errdefs.ValidationFailed(err.Error())
	}

	grace := e.grace
	if cfg.GracePeriodDays != nil {
		if *cfg.GracePeriodDays < 0 {
			return nil, errdefs.ValidationFailed("grace period must not be negative")
		}
		grace = *cfg.GracePeriodDays
	}

	existing, err := e.store.GetByOrganization(ctx, organizationID)
	switch {
	case err == nil && existing.Status != StatusRevoked:
		return nil, conflictLicense()
	case err != nil && !errdefs.IsKind(err, errdefs.KindNotFound):
		return nil, err
	}

	key, err := e.codec.Generate(organizationID, licensekey.KeyConfig{Tier: string(tier)})
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	l = &License{
		OrganizationID:    organizationID,
		KeyHash:           licensekey.Hash(key),
		Tier:              tier,
		Status:            StatusActive,
		Features:          features,
		Limits:            limits,
		AuthorizedDomains: normalizeDomains(cfg.AuthorizedDomains),
		IssuedAt:          now,
		GracePeriodDays:   grace,
	}
	if cfg.ExpiresAt != nil {
		expires := cfg.ExpiresAt.UTC()
		l.ExpiresAt = &expires
	}

	if err := e.store.Create(ctx, l); err != nil {
		return nil, err
	}
	l.LicenseKey = key

	if e.metrics != nil {
		e.metrics.LicensesIssuedTotal.WithLabelValues(string(tier)).Inc()
	}
	e.record(ctx, audit.NewEvent(ctx, audit.EventLicenseIssued, "license issued").
		ForLicense(l.ID).
		ForOrganization(organizationID).
		With("tier", string(tier)).
		With("key", licensekey.Mask(key)))
	e.logger.WithFields(map[string]interface{}{
		"license_id": l.ID,
		"org_id":     organizationID,
		"tier":       tier,
	}).Info("license issued")
	return l, nil
}

// RevokeLicense permanently revokes a license. It returns false when the
// license is already revoked. Like every transition it returns true with
// an error wrapping ErrCacheInvalidation when the change committed but the
// cached record could not be dropped.
func (e *Engine) RevokeLicense(ctx context.Context, id int64) (bool, error) {
	return e.transition(ctx, id, "revoke", audit.EventLicenseRevoked, func(l *License) (bool, error) {
		if l.Status == StatusRevoked {
			return false, nil
		}
		l.Status = StatusRevoked
		return true, nil
	})
}

// RevokeOrganizationLicenses revokes the live license of every listed
// organization and drops its cached record. Organizations without a
// license are skipped.
func (e *Engine) RevokeOrganizationLicenses(ctx context.Context, organizationIDs []int64) error {
	for _, orgID := range organizationIDs {
		l, err := e.store.GetByOrganization(ctx, orgID)
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if l.Status == StatusRevoked {
			continue
		}
		if _, err := e.RevokeLicense(ctx, l.ID); err != nil {
			return err
		}
	}
	return nil
}

// SuspendLicense moves an active license to suspended. It returns false
// from any other status.
func (e *Engine) SuspendLicense(ctx context.Context, id int64, reason string) (bool, error) {
	return e.transition(ctx, id, "suspend", audit.EventLicenseSuspended, func(l *License) (bool, error) {
		if l.Status != StatusActive {
			return false, nil
		}
		l.Status = StatusSuspended
		l.SuspensionReason = reason
		return true, nil
	})
}

// ReactivateLicense moves a suspended license back to active. It returns
// false from any other status.
func (e *Engine) ReactivateLicense(ctx context.Context, id int64) (bool, error) {
	return e.transition(ctx, id, "reactivate", audit.EventLicenseReactivated, func(l *License) (bool, error) {
		if l.Status != StatusSuspended {
			return false, nil
		}
		l.Status = StatusActive
		l.SuspensionReason = ""
		return true, nil
	})
}

// RefreshValidation records that the license was validated now. It
// returns false for revoked licenses.
func (e *Engine) RefreshValidation(ctx context.Context, id int64) (bool, error) {
	return e.transition(ctx, id, "refresh", "", func(l *License) (bool, error) {
		if l.Status == StatusRevoked {
			return false, nil
		}
		now := e.now().UTC()
		l.LastValidatedAt = &now
		return true, nil
	})
}

func (e *Engine) transition(ctx context.Context, id int64, name string, eventType audit.EventType, fn TransitionFunc) (changed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "licensing."+name, attribute.Int64("license.id", id))
	defer func() {
		observability.EndSpan(span, err)
		e.metrics.ObserveTransition(name, changed, err)
	}()

	l, changed, err := e.store.Transition(ctx, id, fn)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	invalidateErr := e.invalidate(ctx, l)

	if eventType != "" {
		event := audit.NewEvent(ctx, eventType, "license "+string(l.Status)).
			ForLicense(l.ID).
			ForOrganization(l.OrganizationID)
		if l.SuspensionReason != "" {
			event.With("reason", l.SuspensionReason)
		}
		e.record(ctx, event)
		e.logger.WithFields(map[string]interface{}{
			"license_id": l.ID,
			"org_id":     l.OrganizationID,
			"status":     l.Status,
		}).Info("license " + name)
	}
	return true, invalidateErr
}

// CheckUsageLimits compares current usage against every bounded limit and
// returns one violation per limit whose count exceeds its bound
func (e *Engine) CheckUsageLimits(ctx context.Context, l *License) ([]errdefs.Violation, error) {
	snap, err := e.counter.Count(ctx, l.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to count usage: %w", err)
	}

	violations := []errdefs.Violation{}
	for _, name := range usage.SortedLimitNames(l.Limits) {
		bound, limited := l.Limit(name)
		if !limited {
			continue
		}
		current, known := snap.Get(name)
		if !known || current <= bound {
			continue
		}
		violations = append(violations, errdefs.Violation{
			Limit:   name,
			Current: current,
			Bound:   bound,
			Message: usage.Describe(name, current, bound),
		})
	}
	return violations, nil
}

// EnforceUsageLimits turns a non-empty violation list into an error
func EnforceUsageLimits(violations []errdefs.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return errdefs.UsageLimitExceeded(violations)
}

// IsDomainAuthorized reports whether the license allows domain under the
// configured match mode
func (e *Engine) IsDomainAuthorized(l *License, domain string) bool {
	return MatchDomain(e.domainMatch, l.AuthorizedDomains, domain)
}

// GetUsageStatistics returns current usage keyed by limit name
func (e *Engine) GetUsageStatistics(ctx context.Context, l *License) (map[string]int64, error) {
	snap, err := e.counter.Count(ctx, l.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to count usage: %w", err)
	}
	return snap.Map(), nil
}

// GetLicense returns a license by id
func (e *Engine) GetLicense(ctx context.Context, id int64) (*License, error) {
	return e.store.GetByID(ctx, id)
}

// GetOrganizationLicense returns the organization's current license
func (e *Engine) GetOrganizationLicense(ctx context.Context, organizationID int64) (*License, error) {
	return e.store.GetByOrganization(ctx, organizationID)
}

// Now exposes the engine clock to collaborators deriving license state
func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) record(ctx context.Context, event *audit.Event) {
	if err := e.audit.Log(ctx, event); err != nil {
		e.logger.WithError(err).WithField("event_type", event.Type).Warn("failed to record audit event")
	}
}
