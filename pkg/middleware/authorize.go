package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/authz"
	"github.com/platinummonkey/entitlements/pkg/contextkeys"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/observability"
)

// Authorizer decides whether a user may perform an action in an organization
type Authorizer interface {
	Authorize(ctx context.Context, userID, orgID int64, action string, resource *authz.Resource) error
}

// OrgResolver picks the organization a request acts on. ok is false when
// the request names none.
type OrgResolver func(r *http.Request) (orgID int64, ok bool, err error)

// OrgFromPath resolves the organization from a mux path variable
func OrgFromPath(param string) OrgResolver {
	return func(r *http.Request) (int64, bool, error) {
		orgID, err := httputil.ParsePathInt64(r, param)
		if err != nil {
			return 0, false, err
		}
		return orgID, true, nil
	}
}

// OrgFromHeader resolves the organization from the X-Organization-ID header
func OrgFromHeader(r *http.Request) (int64, bool, error) {
	orgID, ok := contextkeys.GetOrganizationID(r.Context())
	return orgID, ok, nil
}

// RequireAction runs the authorization gate before next. Denials are
// written with their typed payload; gate failures are a 500.
func RequireAction(gate Authorizer, action string, resolve OrgResolver, logger *observability.Logger) func(http.Handler) http.Handler {
	if resolve == nil {
		resolve = OrgFromHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			userID, ok := contextkeys.GetUserID(ctx)
			if !ok {
				httputil.WriteUnauthorized(w, "missing "+UserIDHeader+" header")
				return
			}
			orgID, ok, err := resolve(r)
			if err != nil {
				httputil.WriteBadRequest(w, err.Error())
				return
			}
			if !ok {
				httputil.WriteBadRequest(w, "organization is required for "+action)
				return
			}

			if err := gate.Authorize(ctx, userID, orgID, action, nil); err != nil {
				if !httputil.WriteDomainError(w, err) {
					observability.FromContext(ctx, logger).WithError(err).
						WithField("action", action).
						Error("authorization check failed")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(contextkeys.WithOrganizationID(ctx, orgID)))
		})
	}
}
