package licensing

import (
	"context"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
)

// TransitionFunc mutates a locked license and reports whether it changed.
// Returning false leaves the stored record untouched.
type TransitionFunc func(l *License) (bool, error)

// Store persists licenses. Lookups of missing rows return errdefs NotFound.
type Store interface {
	// Create inserts a license. It returns errdefs Conflict when the
	// organization already holds a non-revoked license.
	Create(ctx context.Context, l *License) error
	GetByID(ctx context.Context, id int64) (*License, error)
	GetByKeyHash(ctx context.Context, keyHash string) (*License, error)
	// GetByOrganization returns the organization's non-revoked license, or
	// its most recently issued one when all are revoked
	GetByOrganization(ctx context.Context, organizationID int64) (*License, error)
	// Transition runs fn with the license locked against other transitions
	// and persists status, suspension reason and last validation time when
	// fn reports a change
	Transition(ctx context.Context, id int64, fn TransitionFunc) (*License, bool, error)
}

func notFoundLicense(id interface{}) error {
	return errdefs.NotFound("license", id)
}

func conflictLicense() error {
	return errdefs.Conflict("organization already has a non-revoked license")
}
