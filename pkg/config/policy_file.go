package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/entitlements/pkg/licensing"
)

// policyFile is the YAML layout of ENT_POLICY_FILE. Every section is
// optional; a present section replaces the built-in one as a whole, except
// tiers, which are replaced one tier at a time.
type policyFile struct {
	GracePeriodDays  *int                                    `yaml:"grace_period_days"`
	DomainMatch      string                                  `yaml:"domain_match"`
	Tiers            map[licensing.Tier]licensing.TierPolicy `yaml:"tiers"`
	ActionFeatures   map[string]string                       `yaml:"action_features"`
	ActionLimits     map[string]string                       `yaml:"action_limits"`
	OwnerOnlyActions []string                                `yaml:"owner_only_actions"`
}

func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	return c.applyPolicy(data)
}

func (c *Config) applyPolicy(data []byte) error {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	if file.GracePeriodDays != nil {
		c.Licensing.GracePeriodDays = *file.GracePeriodDays
	}
	if file.DomainMatch != "" {
		mode, err := licensing.ParseDomainMatch(file.DomainMatch)
		if err != nil {
			return err
		}
		c.Licensing.DomainMatch = mode
	}
	for tier, policy := range file.Tiers {
		c.Policy.Tiers[tier] = policy
	}
	if file.ActionFeatures != nil {
		c.Policy.Authorization.ActionFeatures = file.ActionFeatures
	}
	if file.ActionLimits != nil {
		c.Policy.Authorization.ActionLimits = file.ActionLimits
	}
	if file.OwnerOnlyActions != nil {
		c.Policy.Authorization.OwnerOnlyActions = file.OwnerOnlyActions
	}
	return nil
}
