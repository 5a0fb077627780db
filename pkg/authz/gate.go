package authz

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/entitlements/pkg/audit"
	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/licensing"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// Directory is the view of the organization engine the gate needs
type Directory interface {
	GetOrganization(ctx context.Context, id int64) (*orgs.Organization, error)
	GetMembership(ctx context.Context, orgID, userID int64) (*orgs.Membership, error)
	IsWithinSubtree(ctx context.Context, rootID, orgID int64) (bool, error)
}

// LicenseChecker is the view of the licensing engine the gate needs
type LicenseChecker interface {
	CheckOrganizationLicense(ctx context.Context, organizationID int64) (*licensing.ValidationResult, error)
}

// Resource identifies the object an action targets
type Resource struct {
	Type           string `json:"type"`
	ID             int64  `json:"id"`
	OrganizationID int64  `json:"organization_id"`
}

// Decision explains the outcome of an authorization check
type Decision struct {
	Allowed           bool      `json:"allowed"`
	UserID            int64     `json:"user_id"`
	OrganizationID    int64     `json:"organization_id"`
	Action            string    `json:"action"`
	Role              orgs.Role `json:"role,omitempty"`
	MembershipAllowed bool      `json:"membership_allowed"`
	LicenseAllowed    bool      `json:"license_allowed"`
	Feature           string    `json:"feature,omitempty"`
	Limit             string    `json:"limit,omitempty"`
	Reason            string    `json:"reason,omitempty"`

	err error
}

// Err returns the typed error of a denial, nil when allowed
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return d.err
}

func (d *Decision) deny(side *bool, err *errdefs.Error) {
	*side = false
	if d.err == nil {
		d.err = err
		d.Reason = err.Error()
	}
}

// Config holds the collaborators of a Gate
type Config struct {
	Policy  Policy
	Audit   audit.Logger
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Gate answers whether a user may perform an action in an organization.
// Both the membership side and the license side must pass.
type Gate struct {
	directory Directory
	licenses  LicenseChecker
	counter   usage.Counter
	policy    Policy
	audit     audit.Logger
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewGate creates an authorization gate. A zero Policy selects DefaultPolicy.
func NewGate(directory Directory, licenses LicenseChecker, counter usage.Counter, cfg Config) *Gate {
	g := &Gate{
		directory: directory,
		licenses:  licenses,
		counter:   counter,
		policy:    cfg.Policy,
		audit:     cfg.Audit,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if g.policy.ActionFeatures == nil && g.policy.ActionLimits == nil && g.policy.OwnerOnlyActions == nil {
		g.policy = DefaultPolicy()
	}
	if g.audit == nil {
		g.audit = audit.NopLogger{}
	}
	if g.logger == nil {
		g.logger = observability.NopLogger()
	}
	return g
}

// CanUserPerformAction reports whether the user may perform action.
// Errors are returned only for infrastructure failures.
func (g *Gate) CanUserPerformAction(ctx context.Context, userID, orgID int64, action string, resource *Resource) (bool, error) {
	d, err := g.Evaluate(ctx, userID, orgID, action, resource)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Authorize returns nil when the action is allowed and the typed denial otherwise
func (g *Gate) Authorize(ctx context.Context, userID, orgID int64, action string, resource *Resource) error {
	d, err := g.Evaluate(ctx, userID, orgID, action, resource)
	if err != nil {
		return err
	}
	return d.Err()
}

// Evaluate checks both sides and returns the full decision
func (g *Gate) Evaluate(ctx context.Context, userID, orgID int64, action string, resource *Resource) (d *Decision, err error) {
	ctx, span := observability.StartSpan(ctx, "authz.Evaluate",
		attribute.Int64("user.id", userID),
		attribute.Int64("org.id", orgID),
		attribute.String("authz.action", action))
	defer func() {
		observability.EndSpan(span, err)
		if d != nil {
			span.SetAttributes(attribute.Bool("authz.allowed", d.Allowed))
		}
	}()

	if action == "" {
		return nil, errdefs.ValidationFailed("action is required")
	}

	d = &Decision{
		UserID:            userID,
		OrganizationID:    orgID,
		Action:            action,
		MembershipAllowed: true,
		LicenseAllowed:    true,
		Feature:           g.policy.ActionFeatures[action],
		Limit:             g.policy.ActionLimits[action],
	}

	if err := g.checkMembership(ctx, d, resource); err != nil {
		return nil, err
	}
	if err := g.checkLicense(ctx, d); err != nil {
		return nil, err
	}
	d.Allowed = d.MembershipAllowed && d.LicenseAllowed

	g.observe(ctx, d)
	return d, nil
}

func (g *Gate) checkMembership(ctx context.Context, d *Decision, resource *Resource) error {
	org, err := g.directory.GetOrganization(ctx, d.OrganizationID)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		d.deny(&d.MembershipAllowed, errdefs.Unauthorized("organization not found"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load organization: %w", err)
	}
	if !org.IsActive {
		d.deny(&d.MembershipAllowed, errdefs.Unauthorized("organization is inactive"))
		return nil
	}

	m, err := g.directory.GetMembership(ctx, d.OrganizationID, d.UserID)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		d.deny(&d.MembershipAllowed, errdefs.Unauthorized("user is not a member of the organization"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load membership: %w", err)
	}
	d.Role = m.Role
	if !m.IsActive {
		d.deny(&d.MembershipAllowed, errdefs.Unauthorized("membership is inactive"))
		return nil
	}

	switch m.Role {
	case orgs.RoleOwner:
	case orgs.RoleAdmin:
		if g.policy.ownerOnly(d.Action) {
			d.deny(&d.MembershipAllowed, errdefs.Unauthorized(fmt.Sprintf("action %q requires the owner role", d.Action)))
			return nil
		}
	case orgs.RoleMember:
		if g.policy.ownerOnly(d.Action) || !m.HasPermission(d.Action) {
			d.deny(&d.MembershipAllowed, errdefs.Unauthorized(fmt.Sprintf("missing permission %q", d.Action)))
			return nil
		}
	default:
		d.deny(&d.MembershipAllowed, errdefs.Unauthorized(fmt.Sprintf("unknown role %q", m.Role)))
		return nil
	}

	if resource != nil {
		within, err := g.directory.IsWithinSubtree(ctx, d.OrganizationID, resource.OrganizationID)
		if err != nil && !errdefs.IsKind(err, errdefs.KindNotFound) {
			return fmt.Errorf("failed to resolve resource scope: %w", err)
		}
		if !within {
			d.deny(&d.MembershipAllowed, errdefs.Unauthorized("resource is outside the organization"))
		}
	}
	return nil
}

func (g *Gate) checkLicense(ctx context.Context, d *Decision) error {
	if d.Feature == "" && d.Limit == "" {
		return nil
	}

	result, err := g.licenses.CheckOrganizationLicense(ctx, d.OrganizationID)
	if err != nil {
		domainErr, ok := errdefs.As(err)
		if !ok {
			return fmt.Errorf("failed to check license: %w", err)
		}
		switch domainErr.Kind {
		case errdefs.KindNotFound:
			d.deny(&d.LicenseAllowed, errdefs.Unauthorized("organization has no license"))
		case errdefs.KindRevoked, errdefs.KindExpired, errdefs.KindSuspended:
			d.deny(&d.LicenseAllowed, domainErr)
		default:
			return err
		}
		return nil
	}

	if d.Feature != "" && !hasFeature(result.Features, d.Feature) {
		d.deny(&d.LicenseAllowed, errdefs.Unauthorized(fmt.Sprintf("license does not include feature %q", d.Feature)))
		return nil
	}

	if d.Limit == "" {
		return nil
	}
	bound := result.Limits[d.Limit]
	if bound == nil {
		return nil
	}
	snap, err := g.counter.Count(ctx, d.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to count usage: %w", err)
	}
	current, _ := snap.Get(d.Limit)
	if current >= *bound {
		d.deny(&d.LicenseAllowed, errdefs.UsageLimitExceeded([]errdefs.Violation{{
			Limit:   d.Limit,
			Current: current,
			Bound:   *bound,
			Message: fmt.Sprintf("%s reached (%d of %d)", d.Limit, current, *bound),
		}}))
	}
	return nil
}

func (g *Gate) observe(ctx context.Context, d *Decision) {
	decision := "allow"
	if !d.Allowed {
		decision = "deny"
	}
	if g.metrics != nil {
		g.metrics.AuthorizationDecisionsTotal.WithLabelValues(d.Action, decision).Inc()
	}
	if d.Allowed {
		return
	}

	g.logger.WithFields(map[string]interface{}{
		"user_id": d.UserID,
		"org_id":  d.OrganizationID,
		"action":  d.Action,
		"reason":  d.Reason,
	}).Debug("authorization denied")

	event := audit.NewEvent(ctx, audit.EventAccessDenied, d.Reason).
		ForOrganization(d.OrganizationID).
		ForUser(d.UserID).
		With("action", d.Action).
		With("membership_allowed", d.MembershipAllowed).
		With("license_allowed", d.LicenseAllowed)
	if err := g.audit.Log(ctx, event); err != nil {
		g.logger.WithError(err).Warn("failed to record audit event")
	}
}

func hasFeature(features []string, feature string) bool {
	for _, f := range features {
		if f == feature {
			return true
		}
	}
	return false
}
