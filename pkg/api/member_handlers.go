package api

import (
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/authz"
	"github.com/platinummonkey/entitlements/pkg/contextkeys"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/orgs"
)

// AttachMemberRequest is the body of POST /orgs/{id}/members
type AttachMemberRequest struct {
	UserID      int64     `json:"user_id"`
	Role        orgs.Role `json:"role"`
	Permissions []string  `json:"permissions,omitempty"`
}

// UpdateMemberRequest is the body of PUT /orgs/{id}/members/{user_id}.
// Role and IsActive are applied independently; omitted fields are unchanged.
type UpdateMemberRequest struct {
	Role        orgs.Role `json:"role,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	IsActive    *bool     `json:"is_active,omitempty"`
}

// SwitchOrganizationRequest is the body of PUT /users/{user_id}/current-organization
type SwitchOrganizationRequest struct {
	OrganizationID int64 `json:"organization_id"`
}

// UserOrganizationsResponse lists the organizations a user belongs to
type UserOrganizationsResponse struct {
	Organizations         []*orgs.Organization `json:"organizations"`
	CurrentOrganizationID *int64               `json:"current_organization_id"`
}

func (s *Server) registerMemberRoutes() {
	s.router.Handle("/orgs/{id}/members", s.guard(authz.ActionInviteUser, s.attachMember)).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{id}/members/{user_id}", s.getMember).Methods(http.MethodGet)
	s.router.Handle("/orgs/{id}/members/{user_id}", s.guard(authz.ActionManageRoles, s.updateMember)).Methods(http.MethodPut)
	s.router.Handle("/orgs/{id}/members/{user_id}", s.guard(authz.ActionManageRoles, s.detachMember)).Methods(http.MethodDelete)

	s.router.Handle("/users/{user_id}/organizations", s.self(s.getUserOrganizations)).Methods(http.MethodGet)
	s.router.Handle("/users/{user_id}/current-organization", s.self(s.switchOrganization)).Methods(http.MethodPut)
}

// self restricts a user route to the caller when enforcement is on
func (s *Server) self(h http.HandlerFunc) http.Handler {
	if !s.config.EnforceActions {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := contextkeys.GetUserID(r.Context())
		if !ok {
			httputil.WriteUnauthorized(w, "missing user identity")
			return
		}
		target, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
		if !ok {
			return
		}
		if caller != target {
			httputil.WriteErrorMessage(w, http.StatusForbidden, "cannot act on behalf of another user")
			return
		}
		h(w, r)
	})
}

// memberPath parses the {id} and {user_id} path variables
func memberPath(w http.ResponseWriter, r *http.Request) (orgID, userID int64, ok bool) {
	if orgID, ok = httputil.ParsePathInt64OrError(w, r, "id"); !ok {
		return 0, 0, false
	}
	if userID, ok = httputil.ParsePathInt64OrError(w, r, "user_id"); !ok {
		return 0, 0, false
	}
	return orgID, userID, true
}

func (s *Server) attachMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req AttachMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}
	if req.Role == "" {
		req.Role = orgs.RoleMember
	}

	m, err := s.orgs.AttachUserToOrganization(r.Context(), orgID, req.UserID, req.Role, req.Permissions)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, m)
}

func (s *Server) getMember(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := memberPath(w, r)
	if !ok {
		return
	}
	m, err := s.orgs.GetMembership(r.Context(), orgID, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

func (s *Server) updateMember(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := memberPath(w, r)
	if !ok {
		return
	}
	var req UpdateMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Role == "" && req.IsActive == nil {
		httputil.WriteBadRequest(w, "role or is_active is required")
		return
	}

	var (
		m   *orgs.Membership
		err error
	)
	if req.Role != "" {
		if m, err = s.orgs.UpdateUserRole(r.Context(), orgID, userID, req.Role, req.Permissions); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.IsActive != nil {
		if m, err = s.orgs.SetMembershipActive(r.Context(), orgID, userID, *req.IsActive); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	httputil.WriteSuccess(w, m)
}

func (s *Server) detachMember(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := memberPath(w, r)
	if !ok {
		return
	}
	if err := s.orgs.DetachUserFromOrganization(r.Context(), orgID, userID); err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) getUserOrganizations(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	organizations, err := s.orgs.GetUserOrganizations(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	current, err := s.orgs.GetCurrentOrganization(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if organizations == nil {
		organizations = []*orgs.Organization{}
	}
	httputil.WriteSuccess(w, UserOrganizationsResponse{
		Organizations:         organizations,
		CurrentOrganizationID: current,
	})
}

func (s *Server) switchOrganization(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	var req SwitchOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.OrganizationID <= 0 {
		httputil.WriteBadRequest(w, "organization_id is required")
		return
	}

	org, err := s.orgs.SwitchUserOrganization(r.Context(), userID, req.OrganizationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}
