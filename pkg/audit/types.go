package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

// EventType represents the category of audit event
type EventType string

const (
	// License lifecycle
	EventLicenseIssued      EventType = "license.issued"
	EventLicenseSuspended   EventType = "license.suspended"
	EventLicenseReactivated EventType = "license.reactivated"
	EventLicenseRevoked     EventType = "license.revoked"

	// Organization structure
	EventOrgCreated     EventType = "org.created"
	EventOrgUpdated     EventType = "org.updated"
	EventOrgMoved       EventType = "org.moved"
	EventOrgDeleted     EventType = "org.deleted"
	EventOrgForceDelete EventType = "org.force_deleted"

	// Membership
	EventMemberAttached    EventType = "member.attached"
	EventMemberRoleChanged EventType = "member.role_changed"
	EventMemberDetached    EventType = "member.detached"
	EventMemberSwitched    EventType = "member.switched_organization"

	// Authorization
	EventAccessDenied EventType = "authz.access_denied"
)

// Event is a single audit trail entry
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`

	// ActorID is the user that triggered the event, when known
	ActorID        *int64 `json:"actor_id,omitempty"`
	OrganizationID *int64 `json:"organization_id,omitempty"`
	LicenseID      *int64 `json:"license_id,omitempty"`
	TargetUserID   *int64 `json:"target_user_id,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type actorKey struct{}

// WithActor records the acting user for events created from ctx
func WithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the acting user stored by WithActor
func ActorFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}

// NewEvent stamps a new event with an id, the current time, and the request
// id and actor found in ctx
func NewEvent(ctx context.Context, eventType EventType, message string) *Event {
	event := &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		RequestID: observability.GetRequestID(ctx),
		Message:   message,
	}
	if actorID, ok := ActorFromContext(ctx); ok {
		event.ActorID = &actorID
	}
	return event
}

// ForOrganization sets the organization id
func (e *Event) ForOrganization(id int64) *Event {
	e.OrganizationID = &id
	return e
}

// ForLicense sets the license id
func (e *Event) ForLicense(id int64) *Event {
	e.LicenseID = &id
	return e
}

// ForUser sets the affected user id
func (e *Event) ForUser(id int64) *Event {
	e.TargetUserID = &id
	return e
}

// By sets the acting user id
func (e *Event) By(actorID int64) *Event {
	e.ActorID = &actorID
	return e
}

// With adds one metadata entry
func (e *Event) With(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}
