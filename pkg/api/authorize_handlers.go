package api

import (
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/authz"
	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/httputil"
)

// AuthorizeRequest is the body of POST /authorize
type AuthorizeRequest struct {
	UserID         int64           `json:"user_id"`
	OrganizationID int64           `json:"organization_id"`
	Action         string          `json:"action"`
	Resource       *authz.Resource `json:"resource,omitempty"`
}

// AuthorizeResponse is the decision with the typed denial, if any
type AuthorizeResponse struct {
	*authz.Decision
	Kind       errdefs.Kind        `json:"kind,omitempty"`
	Violations []errdefs.Violation `json:"violations,omitempty"`
}

// authorize answers a decision query. A denial is a successful answer, so
// it is written with 200; only malformed queries and failures are errors.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID <= 0 || req.OrganizationID <= 0 {
		httputil.WriteBadRequest(w, "user_id and organization_id are required")
		return
	}

	d, err := s.gate.Evaluate(r.Context(), req.UserID, req.OrganizationID, req.Action, req.Resource)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := AuthorizeResponse{Decision: d}
	if e, ok := errdefs.As(d.Err()); ok {
		resp.Kind = e.Kind
		resp.Violations = e.Violations
	}
	httputil.WriteSuccess(w, resp)
}
