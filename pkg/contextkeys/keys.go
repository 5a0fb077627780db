// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All request-scoped identity keys used by the HTTP layer must be
// defined here. The engines never read these keys; handlers extract the
// values and pass user and organization ids explicitly.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/entitlements/pkg/contextkeys"
//	ctx = contextkeys.WithUserID(ctx, 42)
//	userID, ok := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserIDKey contains the calling user id
	// Set by: middleware.Identity (pkg/middleware/identity.go)
	// Used by: API handlers, RequireAction, rate limiting
	// Type: int64
	UserIDKey Key = "user_id"

	// OrganizationIDKey contains the organization the request acts on
	// Set by: middleware.Identity from X-Organization-ID, or the user's
	// current organization when resolved by a handler
	// Used by: RequireAction
	// Type: int64
	OrganizationIDKey Key = "organization_id"
)

// WithUserID adds the calling user id to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the calling user id from context
func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}

// WithOrganizationID adds the target organization id to the context
func WithOrganizationID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrganizationIDKey, orgID)
}

// GetOrganizationID retrieves the target organization id from context
func GetOrganizationID(ctx context.Context) (int64, bool) {
	orgID, ok := ctx.Value(OrganizationIDKey).(int64)
	return orgID, ok
}
