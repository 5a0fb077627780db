package api

import (
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/authz"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// CreateOrganizationRequest is the body of POST /orgs
type CreateOrganizationRequest struct {
	orgs.CreateOrgRequest
	ParentID *int64 `json:"parent_id,omitempty"`
}

// MoveOrganizationRequest is the body of POST /orgs/{id}/move. A null
// parent turns the organization into a root.
type MoveOrganizationRequest struct {
	ParentID *int64 `json:"parent_id"`
}

// DeleteOrganizationResponse reports whether anything was removed
type DeleteOrganizationResponse struct {
	Deleted bool `json:"deleted"`
}

// OrganizationUsageResponse is the usage snapshot of one organization
type OrganizationUsageResponse struct {
	OrganizationID int64          `json:"organization_id"`
	Aggregate      bool           `json:"aggregate"`
	Usage          usage.Snapshot `json:"usage"`
}

func (s *Server) registerOrganizationRoutes() {
	s.router.HandleFunc("/orgs", s.createOrganization).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{id}", s.getOrganization).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{id}", s.updateOrganization).Methods(http.MethodPut)
	s.router.Handle("/orgs/{id}", s.guard(authz.ActionDeleteOrganization, s.deleteOrganization)).Methods(http.MethodDelete)
	s.router.HandleFunc("/orgs/{id}/move", s.moveOrganization).Methods(http.MethodPost)
	s.router.HandleFunc("/orgs/{id}/hierarchy", s.getOrganizationHierarchy).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{id}/usage", s.getOrganizationUsage).Methods(http.MethodGet)
}

func (s *Server) createOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	org, err := s.orgs.CreateOrganization(r.Context(), req.CreateOrgRequest, req.ParentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, org)
}

func (s *Server) getOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	org, err := s.orgs.GetOrganization(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (s *Server) updateOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req orgs.UpdateOrgRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	org, err := s.orgs.UpdateOrganization(r.Context(), id, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (s *Server) moveOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req MoveOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	org, err := s.orgs.MoveOrganization(r.Context(), id, req.ParentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// deleteOrganization handles DELETE /orgs/{id}?force=true
func (s *Server) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	force, ok := httputil.ParseQueryBoolOrError(w, r, "force", false)
	if !ok {
		return
	}

	deleted, err := s.orgs.DeleteOrganization(r.Context(), id, force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, DeleteOrganizationResponse{Deleted: deleted})
}

func (s *Server) getOrganizationHierarchy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	tree, err := s.orgs.GetOrganizationHierarchy(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tree)
}

func (s *Server) getOrganizationUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	aggregate, ok := httputil.ParseQueryBoolOrError(w, r, "aggregate", false)
	if !ok {
		return
	}

	snapshot, err := s.orgs.GetOrganizationUsage(r.Context(), id, aggregate)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, OrganizationUsageResponse{
		OrganizationID: id,
		Aggregate:      aggregate,
		Usage:          snapshot,
	})
}
