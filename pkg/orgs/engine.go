package orgs

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/entitlements/pkg/audit"
	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// EngineConfig holds the collaborators of an Engine. Nil fields fall back
// to no-op implementations.
type EngineConfig struct {
	Counter usage.Counter
	// Licenses revokes the licenses of deleted organizations
	Licenses LicenseRevoker
	Audit    audit.Logger
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// LicenseRevoker ends the licenses of organizations that are about to be
// deleted, including any cached validation state
type LicenseRevoker interface {
	RevokeOrganizationLicenses(ctx context.Context, organizationIDs []int64) error
}

type nopRevoker struct{}

func (nopRevoker) RevokeOrganizationLicenses(context.Context, []int64) error { return nil }

// Engine enforces the organization tree and membership rules on top of a Store
type Engine struct {
	store    Store
	counter  usage.Counter
	licenses LicenseRevoker
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewEngine creates a hierarchy engine
func NewEngine(store Store, cfg EngineConfig) *Engine {
	e := &Engine{
		store:    store,
		counter:  cfg.Counter,
		licenses: cfg.Licenses,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if e.licenses == nil {
		e.licenses = nopRevoker{}
	}
	if e.counter == nil {
		e.counter = usage.NewMapCounter()
	}
	if e.audit == nil {
		e.audit = audit.NopLogger{}
	}
	if e.logger == nil {
		e.logger = observability.NopLogger()
	}
	return e
}

// GetOrganization returns one organization
func (e *Engine) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	return e.store.GetOrganization(ctx, id)
}

// GetMembership returns the membership of userID in orgID
func (e *Engine) GetMembership(ctx context.Context, orgID, userID int64) (*Membership, error) {
	return e.store.GetMembership(ctx, orgID, userID)
}

// CreateOrganization creates a root organization when parentID is nil,
// otherwise a child whose type is the parent's successor
func (e *Engine) CreateOrganization(ctx context.Context, req CreateOrgRequest, parentID *int64) (org *Organization, err error) {
	ctx, span := observability.StartSpan(ctx, "orgs.CreateOrganization")
	defer func() {
		observability.EndSpan(span, err)
		e.metrics.ObserveHierarchy("create", err)
	}()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errdefs.ValidationFailed("organization name is required")
	}
	if req.HierarchyType != "" && !req.HierarchyType.Valid() {
		return nil, errdefs.InvalidHierarchy(fmt.Sprintf("unknown hierarchy type %q", req.HierarchyType))
	}

	org = &Organization{
		Name:     name,
		Slug:     req.Slug,
		IsActive: true,
	}
	if org.Slug == "" {
		org.Slug = generateSlug(name)
	}

	if parentID == nil {
		if req.HierarchyType != "" && req.HierarchyType != TypeTopBranch {
			return nil, errdefs.InvalidHierarchy(fmt.Sprintf("root organizations must be %s, got %s", TypeTopBranch, req.HierarchyType))
		}
		org.HierarchyType = TypeTopBranch
		org.HierarchyLevel = 0
	} else {
		parent, err := e.store.GetOrganization(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		expected, ok := parent.HierarchyType.Successor()
		if !ok {
			return nil, errdefs.InvalidHierarchy(fmt.Sprintf("%s organizations cannot have children", parent.HierarchyType))
		}
		if req.HierarchyType != "" && req.HierarchyType != expected {
			return nil, errdefs.InvalidHierarchy(fmt.Sprintf("a %s cannot be a child of a %s", req.HierarchyType, parent.HierarchyType))
		}
		org.HierarchyType = expected
		org.HierarchyLevel = parent.HierarchyLevel + 1
		id := parent.ID
		org.ParentID = &id
	}

	if err := e.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("org.id", org.ID))

	e.record(ctx, audit.NewEvent(ctx, audit.EventOrgCreated, "organization created").
		ForOrganization(org.ID).
		With("hierarchy_type", string(org.HierarchyType)))
	e.logger.WithFields(map[string]interface{}{
		"org_id":         org.ID,
		"hierarchy_type": org.HierarchyType,
	}).Info("organization created")
	return org, nil
}

// UpdateOrganization changes the name or active flag. Structural fields
// must match the stored values.
func (e *Engine) UpdateOrganization(ctx context.Context, id int64, req UpdateOrgRequest) (org *Organization, err error) {
	defer func() { e.metrics.ObserveHierarchy("update", err) }()

	org, err = e.store.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.HierarchyType != nil && *req.HierarchyType != org.HierarchyType {
		return nil, errdefs.InvalidHierarchy("hierarchy type cannot be changed by an update")
	}
	if req.ParentID != nil && (org.ParentID == nil || *req.ParentID != *org.ParentID) {
		return nil, errdefs.InvalidHierarchy("parent cannot be changed by an update, move the organization instead")
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, errdefs.ValidationFailed("organization name is required")
		}
		org.Name = name
		org.Slug = generateSlug(name)
	}
	if req.IsActive != nil {
		org.IsActive = *req.IsActive
	}

	if err := e.store.UpdateOrganization(ctx, org); err != nil {
		return nil, err
	}
	e.record(ctx, audit.NewEvent(ctx, audit.EventOrgUpdated, "organization updated").ForOrganization(org.ID))
	return org, nil
}

// MoveOrganization re-parents an organization. The subtree stays locked
// while succession is checked and levels are recomputed.
func (e *Engine) MoveOrganization(ctx context.Context, id int64, newParentID *int64) (moved *Organization, err error) {
	ctx, span := observability.StartSpan(ctx, "orgs.MoveOrganization", attribute.Int64("org.id", id))
	defer func() {
		observability.EndSpan(span, err)
		e.metrics.ObserveHierarchy("move", err)
	}()

	err = e.store.WithSubtreeLock(ctx, id, func(tx SubtreeTx) error {
		subtree := tx.Subtree()
		root := subtree[0]

		if newParentID == nil {
			if root.HierarchyType != TypeTopBranch {
				return errdefs.InvalidHierarchy(fmt.Sprintf("only %s organizations can be roots", TypeTopBranch))
			}
			root.ParentID = nil
			root.HierarchyLevel = 0
		} else {
			for _, org := range subtree {
				if org.ID == *newParentID {
					return errdefs.InvalidHierarchy("an organization cannot be moved under itself or its descendants")
				}
			}
			parent, err := tx.GetOrganization(ctx, *newParentID)
			if err != nil {
				return err
			}
			if expected, ok := parent.HierarchyType.Successor(); !ok || expected != root.HierarchyType {
				return errdefs.InvalidHierarchy(fmt.Sprintf("a %s cannot be a child of a %s", root.HierarchyType, parent.HierarchyType))
			}
			parentID := parent.ID
			root.ParentID = &parentID
			root.HierarchyLevel = parent.HierarchyLevel + 1
		}

		changed, err := relevel(root, subtree)
		if err != nil {
			return err
		}
		for _, org := range changed {
			if err := tx.SaveStructure(ctx, org); err != nil {
				return err
			}
		}
		moved = root.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	event := audit.NewEvent(ctx, audit.EventOrgMoved, "organization moved").ForOrganization(id)
	if newParentID != nil {
		event.With("new_parent_id", *newParentID)
	}
	e.record(ctx, event)
	return moved, nil
}

// AttachUserToOrganization creates a membership. An empty role means member.
func (e *Engine) AttachUserToOrganization(ctx context.Context, orgID, userID int64, role Role, permissions []string) (m *Membership, err error) {
	defer func() { e.metrics.ObserveHierarchy("attach", err) }()

	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return nil, errdefs.ValidationFailed(fmt.Sprintf("unknown role %q", role))
	}
	if _, err := e.store.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}

	m = &Membership{
		OrganizationID: orgID,
		UserID:         userID,
		Role:           role,
		Permissions:    normalizePermissions(permissions),
		IsActive:       true,
	}
	if err := e.store.CreateMembership(ctx, m); err != nil {
		return nil, err
	}

	e.record(ctx, audit.NewEvent(ctx, audit.EventMemberAttached, "user attached to organization").
		ForOrganization(orgID).
		ForUser(userID).
		With("role", string(role)))
	return m, nil
}

// UpdateUserRole replaces a member's role and, when permissions is non-nil, its permissions
func (e *Engine) UpdateUserRole(ctx context.Context, orgID, userID int64, role Role, permissions []string) (m *Membership, err error) {
	defer func() { e.metrics.ObserveHierarchy("update_role", err) }()

	if !role.Valid() {
		return nil, errdefs.ValidationFailed(fmt.Sprintf("unknown role %q", role))
	}
	m, err = e.store.GetMembership(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	previous := m.Role
	m.Role = role
	if permissions != nil {
		m.Permissions = normalizePermissions(permissions)
	}
	if err := e.store.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}

	e.record(ctx, audit.NewEvent(ctx, audit.EventMemberRoleChanged, "member role changed").
		ForOrganization(orgID).
		ForUser(userID).
		With("previous_role", string(previous)).
		With("role", string(role)))
	return m, nil
}

// SetMembershipActive enables or disables a membership without removing it
func (e *Engine) SetMembershipActive(ctx context.Context, orgID, userID int64, active bool) (*Membership, error) {
	m, err := e.store.GetMembership(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if m.IsActive == active {
		return m, nil
	}
	m.IsActive = active
	if err := e.store.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}
	e.record(ctx, audit.NewEvent(ctx, audit.EventMemberRoleChanged, "membership active flag changed").
		ForOrganization(orgID).
		ForUser(userID).
		With("is_active", active))
	return m, nil
}

// DetachUserFromOrganization removes a membership
func (e *Engine) DetachUserFromOrganization(ctx context.Context, orgID, userID int64) (err error) {
	defer func() { e.metrics.ObserveHierarchy("detach", err) }()

	removed, err := e.store.DeleteMembership(ctx, orgID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return notFoundMembership(orgID, userID)
	}
	e.record(ctx, audit.NewEvent(ctx, audit.EventMemberDetached, "user detached from organization").
		ForOrganization(orgID).
		ForUser(userID))
	return nil
}

// SwitchUserOrganization points the user's current organization at orgID
func (e *Engine) SwitchUserOrganization(ctx context.Context, userID, orgID int64) (org *Organization, err error) {
	defer func() { e.metrics.ObserveHierarchy("switch", err) }()

	m, err := e.store.GetMembership(ctx, orgID, userID)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil, errdefs.Unauthorized("user is not a member of the organization")
	}
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, errdefs.Unauthorized("membership is inactive")
	}

	org, err = e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, errdefs.Unauthorized("organization is inactive")
	}

	if err := e.store.SetCurrentOrganization(ctx, userID, orgID); err != nil {
		return nil, err
	}
	e.record(ctx, audit.NewEvent(ctx, audit.EventMemberSwitched, "user switched organization").
		ForOrganization(orgID).
		ForUser(userID))
	return org, nil
}

// GetCurrentOrganization returns the user's current organization id, or nil
func (e *Engine) GetCurrentOrganization(ctx context.Context, userID int64) (*int64, error) {
	return e.store.GetCurrentOrganization(ctx, userID)
}

// GetUserOrganizations lists organizations where the user has an active membership
func (e *Engine) GetUserOrganizations(ctx context.Context, userID int64) ([]*Organization, error) {
	orgs, err := e.store.ListUserOrganizations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orgs == nil {
		orgs = []*Organization{}
	}
	return orgs, nil
}

// GetOrganizationHierarchy materializes the subtree rooted at rootID with
// per-organization usage
func (e *Engine) GetOrganizationHierarchy(ctx context.Context, rootID int64) (tree *HierarchyNode, err error) {
	ctx, span := observability.StartSpan(ctx, "orgs.GetOrganizationHierarchy", attribute.Int64("org.id", rootID))
	defer func() {
		observability.EndSpan(span, err)
		e.metrics.ObserveHierarchy("hierarchy", err)
	}()

	subtree, err := e.store.ListSubtree(ctx, rootID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(subtree))
	for i, org := range subtree {
		ids[i] = org.ID
	}
	snapshots, err := e.counter.CountMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count hierarchy usage: %w", err)
	}

	tree, err = buildTree(rootID, subtree, snapshots)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindCycleDetected) {
			e.logger.WithError(err).WithField("org_id", rootID).Error("corrupted organization hierarchy")
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("hierarchy.size", len(subtree)))
	return tree, nil
}

// DeleteOrganization removes an organization. Without force it refuses when
// the organization has children or owns servers or applications; with
// force the whole subtree is removed, deepest first.
func (e *Engine) DeleteOrganization(ctx context.Context, id int64, force bool) (deleted bool, err error) {
	ctx, span := observability.StartSpan(ctx, "orgs.DeleteOrganization",
		attribute.Int64("org.id", id), attribute.Bool("force", force))
	defer func() {
		observability.EndSpan(span, err)
		e.metrics.ObserveHierarchy("delete", err)
	}()

	subtree, err := e.store.ListSubtree(ctx, id)
	if err != nil {
		return false, err
	}
	tree, err := buildTree(id, subtree, nil)
	if err != nil {
		return false, err
	}

	if !force {
		if n := len(tree.Children); n > 0 {
			return false, errdefs.HasChildren(n)
		}
		snap, err := e.counter.Count(ctx, id)
		if err != nil {
			return false, fmt.Errorf("failed to count organization usage: %w", err)
		}
		if snap.HasOwnedResources() {
			return false, errdefs.HasActiveResources(fmt.Sprintf("%d servers and %d applications", snap.Servers, snap.Applications))
		}
	}

	order := deletionOrder(tree)
	// Licenses go first: the PostgreSQL cascade would remove the rows
	// that the cache invalidation is keyed from.
	if err := e.licenses.RevokeOrganizationLicenses(ctx, order); err != nil {
		return false, fmt.Errorf("failed to revoke licenses of deleted organizations: %w", err)
	}
	if err := e.store.DeleteOrganizations(ctx, order); err != nil {
		return false, err
	}

	if force {
		e.record(ctx, audit.NewEvent(ctx, audit.EventOrgForceDelete, "organization force deleted").
			ForOrganization(id).
			With("descendants", len(order)-1).
			With("deleted_ids", order))
		e.logger.WithFields(map[string]interface{}{
			"org_id":      id,
			"descendants": len(order) - 1,
		}).Warn("organization force deleted")
	} else {
		e.record(ctx, audit.NewEvent(ctx, audit.EventOrgDeleted, "organization deleted").ForOrganization(id))
	}
	return true, nil
}

// GetOrganizationUsage counts the organization's own resources, or the
// whole subtree's when aggregate is set
func (e *Engine) GetOrganizationUsage(ctx context.Context, id int64, aggregate bool) (usage.Snapshot, error) {
	if !aggregate {
		if _, err := e.store.GetOrganization(ctx, id); err != nil {
			return usage.Snapshot{}, err
		}
		return e.counter.Count(ctx, id)
	}

	subtree, err := e.store.ListSubtree(ctx, id)
	if err != nil {
		return usage.Snapshot{}, err
	}
	ids := make([]int64, len(subtree))
	for i, org := range subtree {
		ids[i] = org.ID
	}
	snapshots, err := e.counter.CountMany(ctx, ids)
	if err != nil {
		return usage.Snapshot{}, fmt.Errorf("failed to count subtree usage: %w", err)
	}

	var total usage.Snapshot
	for _, id := range ids {
		total = total.Add(snapshots[id])
	}
	return total, nil
}

// IsWithinSubtree reports whether orgID is rootID or one of its descendants
func (e *Engine) IsWithinSubtree(ctx context.Context, rootID, orgID int64) (bool, error) {
	visited := make(map[int64]bool)
	current := orgID
	for {
		if current == rootID {
			return true, nil
		}
		if visited[current] || len(visited) > maxHierarchyDepth {
			return false, errdefs.CycleDetected(current)
		}
		visited[current] = true

		org, err := e.store.GetOrganization(ctx, current)
		if err != nil {
			return false, err
		}
		if org.ParentID == nil {
			return false, nil
		}
		current = *org.ParentID
	}
}

func (e *Engine) record(ctx context.Context, event *audit.Event) {
	if err := e.audit.Log(ctx, event); err != nil {
		e.logger.WithError(err).WithField("event_type", event.Type).Warn("failed to record audit event")
	}
}

func normalizePermissions(permissions []string) []string {
	out := make([]string, 0, len(permissions))
	seen := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
