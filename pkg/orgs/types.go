package orgs

import (
	"fmt"
	"time"

	"github.com/platinummonkey/entitlements/pkg/usage"
)

// HierarchyType is the closed set of organization tiers, outermost first
type HierarchyType string

const (
	TypeTopBranch    HierarchyType = "top_branch"
	TypeMasterBranch HierarchyType = "master_branch"
	TypeSubUser      HierarchyType = "sub_user"
	TypeEndUser      HierarchyType = "end_user"
)

var hierarchyOrder = []HierarchyType{TypeTopBranch, TypeMasterBranch, TypeSubUser, TypeEndUser}

// maxHierarchyDepth bounds traversal of corrupted trees
const maxHierarchyDepth = 64

// Valid reports whether t is a known hierarchy type
func (t HierarchyType) Valid() bool {
	return t.Ordinal() >= 0
}

// Ordinal is the position of t in the hierarchy, or -1 when unknown
func (t HierarchyType) Ordinal() int {
	for i, candidate := range hierarchyOrder {
		if candidate == t {
			return i
		}
	}
	return -1
}

// Successor returns the only type allowed directly below t
func (t HierarchyType) Successor() (HierarchyType, bool) {
	i := t.Ordinal()
	if i < 0 || i+1 >= len(hierarchyOrder) {
		return "", false
	}
	return hierarchyOrder[i+1], true
}

// ParseHierarchyType validates a type name
func ParseHierarchyType(s string) (HierarchyType, error) {
	t := HierarchyType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown hierarchy type %q", s)
	}
	return t, nil
}

// Role is a member's role within one organization
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

// Organization is a node of the tenant tree
type Organization struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	Slug           string        `json:"slug"`
	HierarchyType  HierarchyType `json:"hierarchy_type"`
	HierarchyLevel int           `json:"hierarchy_level"`
	ParentID       *int64        `json:"parent_id,omitempty"`
	IsActive       bool          `json:"is_active"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsRoot reports whether the organization has no parent
func (o *Organization) IsRoot() bool {
	return o.ParentID == nil
}

func (o *Organization) clone() *Organization {
	c := *o
	if o.ParentID != nil {
		parent := *o.ParentID
		c.ParentID = &parent
	}
	return &c
}

// Membership links a user to an organization
type Membership struct {
	OrganizationID int64     `json:"organization_id"`
	UserID         int64     `json:"user_id"`
	Role           Role      `json:"role"`
	Permissions    []string  `json:"permissions"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PermissionWildcard grants every permission to a member
const PermissionWildcard = "*"

// HasPermission reports whether the permission set contains p or the wildcard
func (m *Membership) HasPermission(p string) bool {
	for _, granted := range m.Permissions {
		if granted == p || granted == PermissionWildcard {
			return true
		}
	}
	return false
}

func (m *Membership) clone() *Membership {
	c := *m
	c.Permissions = append([]string(nil), m.Permissions...)
	return &c
}

// CreateOrgRequest describes a new organization. An empty HierarchyType
// takes the successor of the parent's type, or top_branch for roots.
type CreateOrgRequest struct {
	Name          string        `json:"name"`
	Slug          string        `json:"slug,omitempty"`
	HierarchyType HierarchyType `json:"hierarchy_type,omitempty"`
}

// UpdateOrgRequest changes non-structural fields. Structural fields are
// accepted only when they match the current values; use Move to re-parent.
type UpdateOrgRequest struct {
	Name          *string        `json:"name,omitempty"`
	IsActive      *bool          `json:"is_active,omitempty"`
	HierarchyType *HierarchyType `json:"hierarchy_type,omitempty"`
	ParentID      *int64         `json:"parent_id,omitempty"`
}

// HierarchyNode is one organization of a materialized subtree
type HierarchyNode struct {
	Organization *Organization    `json:"organization"`
	Usage        usage.Snapshot   `json:"usage"`
	Children     []*HierarchyNode `json:"children"`
}

// Count returns the number of nodes in the subtree rooted at n
func (n *HierarchyNode) Count() int {
	total := 0
	stack := []*HierarchyNode{n}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		total++
		stack = append(stack, node.Children...)
	}
	return total
}
