package licensing

import (
	"fmt"
	"sort"
	"time"
)

// Tier is a license tier
type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Tiers lists every tier from least to most capable
var Tiers = []Tier{TierBasic, TierProfessional, TierEnterprise}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierProfessional, TierEnterprise:
		return true
	default:
		return false
	}
}

// ParseTier validates a tier name
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown license tier %q", s)
	}
	return t, nil
}

// Status is the persisted status of a license. StatusExpired is accepted
// when reading legacy rows; the engine derives expiry from ExpiresAt.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusRevoked, StatusExpired:
		return true
	default:
		return false
	}
}

// State is the effective state of a license at a point in time
type State string

const (
	StateActive    State = "active"
	StateGrace     State = "grace"
	StateExpired   State = "expired"
	StateSuspended State = "suspended"
	StateRevoked   State = "revoked"
)

// Usable reports whether a license in this state grants its features
func (s State) Usable() bool {
	return s == StateActive || s == StateGrace
}

// Feature names granted by the default tiers
const (
	FeatureApplicationDeployment      = "application_deployment"
	FeatureDatabaseManagement         = "database_management"
	FeatureSSLCertificates            = "ssl_certificates"
	FeatureServerProvisioning         = "server_provisioning"
	FeatureInfrastructureProvisioning = "infrastructure_provisioning"
	FeatureDomainManagement           = "domain_management"
	FeatureWhiteLabelBranding         = "white_label_branding"
	FeatureMultiCloud                 = "multi_cloud"
	FeatureSSOIntegration             = "sso_integration"
	FeatureAPIAccess                  = "api_access"
	FeatureAdvancedRBAC               = "advanced_rbac"
)

// License is the entitlement record of one organization
type License struct {
	ID             int64 `json:"id"`
	OrganizationID int64 `json:"organization_id"`
	// LicenseKey is only populated in the result of IssueLicense
	LicenseKey string `json:"license_key,omitempty"`
	KeyHash    string `json:"-"`

	Tier              Tier              `json:"tier"`
	Status            Status            `json:"status"`
	Features          []string          `json:"features"`
	Limits            map[string]*int64 `json:"limits"`
	AuthorizedDomains []string          `json:"authorized_domains"`

	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	LastValidatedAt  *time.Time `json:"last_validated_at,omitempty"`
	SuspensionReason string     `json:"suspension_reason,omitempty"`
	GracePeriodDays  int        `json:"grace_period_days"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GraceEndsAt returns the end of the grace window, or nil for licenses
// that never expire
func (l *License) GraceEndsAt() *time.Time {
	if l.ExpiresAt == nil {
		return nil
	}
	end := l.ExpiresAt.AddDate(0, 0, l.GracePeriodDays)
	return &end
}

// State derives the effective state at now. Revocation wins over expiry,
// expiry past grace wins over suspension.
func (l *License) State(now time.Time) State {
	if l.Status == StatusRevoked {
		return StateRevoked
	}
	if l.Status == StatusExpired {
		return StateExpired
	}
	if l.ExpiresAt != nil && now.After(*l.ExpiresAt) {
		if now.After(*l.GraceEndsAt()) {
			return StateExpired
		}
		if l.Status == StatusSuspended {
			return StateSuspended
		}
		return StateGrace
	}
	if l.Status == StatusSuspended {
		return StateSuspended
	}
	return StateActive
}

// HasFeature reports whether the license grants a feature
func (l *License) HasFeature(feature string) bool {
	for _, f := range l.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Limit returns the bound of a limit. limited is false when the limit is
// absent or unlimited.
func (l *License) Limit(name string) (bound int64, limited bool) {
	v, ok := l.Limits[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Masked returns a copy safe to hand to callers other than the issuer
func (l *License) Masked() *License {
	c := l.clone()
	c.LicenseKey = ""
	return c
}

func (l *License) clone() *License {
	c := *l
	c.Features = append([]string(nil), l.Features...)
	c.AuthorizedDomains = append([]string(nil), l.AuthorizedDomains...)
	c.Limits = cloneLimits(l.Limits)
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	if l.LastValidatedAt != nil {
		t := *l.LastValidatedAt
		c.LastValidatedAt = &t
	}
	return &c
}

func cloneLimits(in map[string]*int64) map[string]*int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]*int64, len(in))
	for k, v := range in {
		if v == nil {
			out[k] = nil
			continue
		}
		n := *v
		out[k] = &n
	}
	return out
}

// IssueConfig describes a new license. Features are added to the tier
// defaults and DisabledFeatures removed from them. Limits overlay the tier
// defaults per key; a key mapped to nil makes that limit unlimited.
type IssueConfig struct {
	Tier              Tier              `json:"tier"`
	Features          []string          `json:"features,omitempty"`
	DisabledFeatures  []string          `json:"disabled_features,omitempty"`
	Limits            map[string]*int64 `json:"limits,omitempty"`
	AuthorizedDomains []string          `json:"authorized_domains,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	GracePeriodDays   *int              `json:"grace_period_days,omitempty"`
}

// ValidationResult is the outcome of a successful validation
type ValidationResult struct {
	LicenseID      int64             `json:"license_id"`
	OrganizationID int64             `json:"organization_id"`
	Tier           Tier              `json:"tier"`
	State          State             `json:"state"`
	Features       []string          `json:"features"`
	Limits         map[string]*int64 `json:"limits"`
	InGracePeriod  bool              `json:"in_grace_period"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	GraceEndsAt    *time.Time        `json:"grace_ends_at,omitempty"`
}

func newValidationResult(l *License, state State) *ValidationResult {
	return &ValidationResult{
		LicenseID:      l.ID,
		OrganizationID: l.OrganizationID,
		Tier:           l.Tier,
		State:          state,
		Features:       append([]string(nil), l.Features...),
		Limits:         cloneLimits(l.Limits),
		InGracePeriod:  state == StateGrace,
		ExpiresAt:      l.ExpiresAt,
		GraceEndsAt:    l.GraceEndsAt(),
	}
}

func sortedUnique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
