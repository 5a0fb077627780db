package orgs

import (
	"context"
	"fmt"
	"sort"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
)

// Store persists organizations and memberships. Lookups of missing rows
// return errdefs NotFound; duplicate memberships return errdefs Conflict.
type Store interface {
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id int64) (*Organization, error)
	// UpdateOrganization persists name, slug and active flag
	UpdateOrganization(ctx context.Context, org *Organization) error
	// ListSubtree returns the organization and every descendant, each once, root first
	ListSubtree(ctx context.Context, rootID int64) ([]*Organization, error)
	// WithSubtreeLock runs fn while the subtree rows are locked against
	// concurrent structural changes. Saves made through tx are discarded when fn fails.
	WithSubtreeLock(ctx context.Context, rootID int64, fn func(tx SubtreeTx) error) error
	// DeleteOrganizations removes the organizations in the given order with
	// their memberships and clears current-organization pointers to them
	DeleteOrganizations(ctx context.Context, ids []int64) error

	CreateMembership(ctx context.Context, m *Membership) error
	GetMembership(ctx context.Context, orgID, userID int64) (*Membership, error)
	// UpdateMembership persists role, permissions and active flag
	UpdateMembership(ctx context.Context, m *Membership) error
	// DeleteMembership reports whether a row was removed. It also clears the
	// user's current-organization pointer when it referenced orgID.
	DeleteMembership(ctx context.Context, orgID, userID int64) (bool, error)
	// ListUserOrganizations returns organizations where the user has an active membership
	ListUserOrganizations(ctx context.Context, userID int64) ([]*Organization, error)

	SetCurrentOrganization(ctx context.Context, userID, orgID int64) error
	// GetCurrentOrganization returns nil when the user has no current organization
	GetCurrentOrganization(ctx context.Context, userID int64) (*int64, error)
}

// SubtreeTx exposes the rows locked by WithSubtreeLock
type SubtreeTx interface {
	// Subtree returns the locked organizations, root first
	Subtree() []*Organization
	// GetOrganization reads (and locks) any organization
	GetOrganization(ctx context.Context, id int64) (*Organization, error)
	// SaveStructure persists parent, type and level
	SaveStructure(ctx context.Context, org *Organization) error
}

func notFoundOrganization(id int64) error {
	return errdefs.NotFound("organization", id)
}

func notFoundMembership(orgID, userID int64) error {
	return errdefs.NotFound("membership", fmt.Sprintf("org=%d user=%d", orgID, userID))
}

// rootFirst moves the root to the front and orders the rest by id
func rootFirst(orgs []*Organization, rootID int64) []*Organization {
	sort.Slice(orgs, func(i, j int) bool {
		if orgs[i].ID == rootID {
			return orgs[j].ID != rootID
		}
		if orgs[j].ID == rootID {
			return false
		}
		return orgs[i].ID < orgs[j].ID
	})
	return orgs
}
