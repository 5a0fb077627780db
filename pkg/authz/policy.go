package authz

import (
	"fmt"
	"sort"

	"github.com/platinummonkey/entitlements/pkg/licensing"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// Actions known to the default policy
const (
	ActionProvisionServer         = "provision_server"
	ActionProvisionInfrastructure = "provision_infrastructure"
	ActionDeployApplication       = "deploy_application"
	ActionManageDatabase          = "manage_database"
	ActionManageSSLCertificates   = "manage_ssl_certificates"
	ActionAddDomain               = "add_domain"
	ActionAddCloudProvider        = "add_cloud_provider"
	ActionCustomizeBranding       = "customize_branding"
	ActionConfigureSSO            = "configure_sso"
	ActionUseAPI                  = "use_api"
	ActionManageRoles             = "manage_roles"
	ActionInviteUser              = "invite_user"
	ActionViewUsage               = "view_usage"

	ActionDeleteOrganization = "delete_organization"
	ActionTransferOwnership  = "transfer_ownership"
	ActionManageLicense      = "manage_license"
)

// Policy maps actions to the license features and limits they consume.
// Actions absent from both maps are not license-gated.
type Policy struct {
	ActionFeatures   map[string]string `yaml:"action_features" json:"action_features"`
	ActionLimits     map[string]string `yaml:"action_limits" json:"action_limits"`
	OwnerOnlyActions []string          `yaml:"owner_only_actions" json:"owner_only_actions"`
}

// DefaultPolicy returns the built-in action tables
func DefaultPolicy() Policy {
	return Policy{
		ActionFeatures: map[string]string{
			ActionProvisionServer:         licensing.FeatureServerProvisioning,
			ActionProvisionInfrastructure: licensing.FeatureInfrastructureProvisioning,
			ActionDeployApplication:       licensing.FeatureApplicationDeployment,
			ActionManageDatabase:          licensing.FeatureDatabaseManagement,
			ActionManageSSLCertificates:   licensing.FeatureSSLCertificates,
			ActionAddDomain:               licensing.FeatureDomainManagement,
			ActionAddCloudProvider:        licensing.FeatureMultiCloud,
			ActionCustomizeBranding:       licensing.FeatureWhiteLabelBranding,
			ActionConfigureSSO:            licensing.FeatureSSOIntegration,
			ActionUseAPI:                  licensing.FeatureAPIAccess,
			ActionManageRoles:             licensing.FeatureAdvancedRBAC,
		},
		ActionLimits: map[string]string{
			ActionProvisionServer:         usage.LimitServers,
			ActionProvisionInfrastructure: usage.LimitConcurrentProvisioning,
			ActionDeployApplication:       usage.LimitApplications,
			ActionAddDomain:               usage.LimitDomains,
			ActionAddCloudProvider:        usage.LimitCloudProviders,
			ActionInviteUser:              usage.LimitUsers,
		},
		OwnerOnlyActions: []string{
			ActionDeleteOrganization,
			ActionTransferOwnership,
			ActionManageLicense,
		},
	}
}

// Validate checks that every mapped limit is a known limit name
func (p Policy) Validate() error {
	for _, action := range sortedKeys(p.ActionLimits) {
		if !usage.KnownLimit(p.ActionLimits[action]) {
			return fmt.Errorf("action %q: unknown limit %q", action, p.ActionLimits[action])
		}
	}
	for _, action := range sortedKeys(p.ActionFeatures) {
		if p.ActionFeatures[action] == "" {
			return fmt.Errorf("action %q: empty feature", action)
		}
	}
	return nil
}

func (p Policy) ownerOnly(action string) bool {
	for _, a := range p.OwnerOnlyActions {
		if a == action {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
