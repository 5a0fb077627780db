package licensing

import (
	"fmt"

	"github.com/platinummonkey/entitlements/pkg/usage"
)

// TierPolicy is the default entitlement set of a tier. A nil limit is unlimited.
type TierPolicy struct {
	Features []string          `yaml:"features" json:"features"`
	Limits   map[string]*int64 `yaml:"limits" json:"limits"`
}

func limit(n int64) *int64 {
	return &n
}

// DefaultTiers returns the built-in tier table
func DefaultTiers() map[Tier]TierPolicy {
	basicFeatures := []string{
		FeatureApplicationDeployment,
		FeatureDatabaseManagement,
		FeatureSSLCertificates,
	}
	professionalFeatures := append(append([]string(nil), basicFeatures...),
		FeatureServerProvisioning,
		FeatureInfrastructureProvisioning,
		FeatureDomainManagement,
		FeatureWhiteLabelBranding,
	)
	enterpriseFeatures := append(append([]string(nil), professionalFeatures...),
		FeatureMultiCloud,
		FeatureSSOIntegration,
		FeatureAPIAccess,
		FeatureAdvancedRBAC,
	)

	return map[Tier]TierPolicy{
		TierBasic: {
			Features: basicFeatures,
			Limits: map[string]*int64{
				usage.LimitServers:                limit(5),
				usage.LimitUsers:                  limit(10),
				usage.LimitApplications:           limit(10),
				usage.LimitDomains:                limit(5),
				usage.LimitCloudProviders:         limit(1),
				usage.LimitConcurrentProvisioning: limit(1),
			},
		},
		TierProfessional: {
			Features: professionalFeatures,
			Limits: map[string]*int64{
				usage.LimitServers:                limit(25),
				usage.LimitUsers:                  limit(50),
				usage.LimitApplications:           limit(50),
				usage.LimitDomains:                limit(25),
				usage.LimitCloudProviders:         limit(3),
				usage.LimitConcurrentProvisioning: limit(3),
			},
		},
		TierEnterprise: {
			Features: enterpriseFeatures,
			Limits: map[string]*int64{
				usage.LimitServers:                nil,
				usage.LimitUsers:                  nil,
				usage.LimitApplications:           nil,
				usage.LimitDomains:                nil,
				usage.LimitCloudProviders:         nil,
				usage.LimitConcurrentProvisioning: nil,
			},
		},
	}
}

// ValidateTiers checks that every tier is present and every limit name is known
func ValidateTiers(tiers map[Tier]TierPolicy) error {
	for _, tier := range Tiers {
		if _, ok := tiers[tier]; !ok {
			return fmt.Errorf("tier %q is not configured", tier)
		}
	}
	for tier, policy := range tiers {
		if !tier.Valid() {
			return fmt.Errorf("unknown tier %q", tier)
		}
		for name, bound := range policy.Limits {
			if !usage.KnownLimit(name) {
				return fmt.Errorf("tier %q: unknown limit %q", tier, name)
			}
			if bound != nil && *bound < 0 {
				return fmt.Errorf("tier %q: limit %q must not be negative", tier, name)
			}
		}
	}
	return nil
}

// resolve merges the tier defaults with the overrides of an IssueConfig
func (p TierPolicy) resolve(cfg IssueConfig) ([]string, map[string]*int64, error) {
	disabled := make(map[string]bool, len(cfg.DisabledFeatures))
	for _, f := range cfg.DisabledFeatures {
		disabled[f] = true
	}
	var features []string
	for _, f := range append(append([]string(nil), p.Features...), cfg.Features...) {
		if !disabled[f] {
			features = append(features, f)
		}
	}

	limits := cloneLimits(p.Limits)
	if limits == nil {
		limits = make(map[string]*int64)
	}
	for name, bound := range cfg.Limits {
		if !usage.KnownLimit(name) {
			return nil, nil, fmt.Errorf("unknown limit %q", name)
		}
		if bound == nil {
			limits[name] = nil
			continue
		}
		if *bound < 0 {
			return nil, nil, fmt.Errorf("limit %q must not be negative", name)
		}
		limits[name] = limit(*bound)
	}
	return sortedUnique(features), limits, nil
}
