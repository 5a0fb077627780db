package middleware

import (
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/audit"
	"github.com/platinummonkey/entitlements/pkg/contextkeys"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/observability"
)

// Identity headers set by the trusted upstream proxy
const (
	UserIDHeader         = "X-User-ID"
	OrganizationIDHeader = "X-Organization-ID"
)

// Identity copies the caller identity headers into the request context. The
// user id also becomes the audit actor and a request log field. Malformed
// headers are rejected; absent ones are left unset.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, ok, err := httputil.ParseHeaderInt64(r, UserIDHeader)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		if ok {
			ctx = contextkeys.WithUserID(ctx, userID)
			ctx = audit.WithActor(ctx, userID)
			if logger, ok := observability.LoggerFromContext(ctx); ok {
				ctx = observability.WithLogger(ctx, logger.WithField("user_id", userID))
			}
		}

		orgID, ok, err := httputil.ParseHeaderInt64(r, OrganizationIDHeader)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		if ok {
			ctx = contextkeys.WithOrganizationID(ctx, orgID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser rejects requests without a caller identity
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := contextkeys.GetUserID(r.Context()); !ok {
			httputil.WriteUnauthorized(w, "missing "+UserIDHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}
