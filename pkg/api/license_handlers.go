package api

import (
	"context"
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/licensing"
	"github.com/platinummonkey/entitlements/pkg/middleware"
)

// IssueLicenseRequest is the body of POST /licenses
type IssueLicenseRequest struct {
	OrganizationID int64 `json:"organization_id"`
	licensing.IssueConfig
}

// ValidateLicenseRequest is the body of POST /licenses/validate
type ValidateLicenseRequest struct {
	LicenseKey string `json:"license_key"`
	Domain     string `json:"domain"`
}

// SuspendLicenseRequest is the body of POST /licenses/{id}/suspend
type SuspendLicenseRequest struct {
	Reason string `json:"reason"`
}

// UsageResponse reports the counted usage of a license's organization
type UsageResponse struct {
	LicenseID      int64            `json:"license_id"`
	OrganizationID int64            `json:"organization_id"`
	Usage          map[string]int64 `json:"usage"`
}

// ViolationsResponse lists the exceeded limits of a license
type ViolationsResponse struct {
	LicenseID  int64               `json:"license_id"`
	Violations []errdefs.Violation `json:"violations"`
}

func (s *Server) registerLicenseRoutes() {
	validate := http.Handler(http.HandlerFunc(s.validateLicense))
	if s.config.ValidateLimiter != nil {
		validate = middleware.RateLimit(s.config.ValidateLimiter, s.logger)(validate)
	}

	s.router.HandleFunc("/licenses", s.issueLicense).Methods(http.MethodPost)
	s.router.Handle("/licenses/validate", validate).Methods(http.MethodPost)
	s.router.HandleFunc("/licenses/{id}", s.getLicense).Methods(http.MethodGet)
	s.router.HandleFunc("/licenses/{id}/suspend", s.suspendLicense).Methods(http.MethodPost)
	s.router.HandleFunc("/licenses/{id}/reactivate", s.reactivateLicense).Methods(http.MethodPost)
	s.router.HandleFunc("/licenses/{id}/revoke", s.revokeLicense).Methods(http.MethodPost)
	s.router.HandleFunc("/licenses/{id}/refresh", s.refreshLicense).Methods(http.MethodPost)
	s.router.HandleFunc("/licenses/{id}/usage", s.getLicenseUsage).Methods(http.MethodGet)
	s.router.HandleFunc("/licenses/{id}/violations", s.getLicenseViolations).Methods(http.MethodGet)
	s.router.HandleFunc("/orgs/{id}/license", s.getOrganizationLicense).Methods(http.MethodGet)
}

// issueLicense handles POST /licenses. The response is the only place the
// plaintext key is ever returned.
func (s *Server) issueLicense(w http.ResponseWriter, r *http.Request) {
	var req IssueLicenseRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.OrganizationID <= 0 {
		httputil.WriteBadRequest(w, "organization_id is required")
		return
	}

	license, err := s.licenses.IssueLicense(r.Context(), req.OrganizationID, req.IssueConfig)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteCreated(w, license)
}

func (s *Server) validateLicense(w http.ResponseWriter, r *http.Request) {
	var req ValidateLicenseRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.LicenseKey == "" {
		httputil.WriteBadRequest(w, "license_key is required")
		return
	}

	result, err := s.licenses.ValidateLicense(r.Context(), req.LicenseKey, req.Domain)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// loadLicense resolves the {id} path variable to a license
func (s *Server) loadLicense(w http.ResponseWriter, r *http.Request) (*licensing.License, bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return nil, false
	}
	license, err := s.licenses.GetLicense(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return license, true
}

func (s *Server) getLicense(w http.ResponseWriter, r *http.Request) {
	license, ok := s.loadLicense(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, license.Masked())
}

func (s *Server) getOrganizationLicense(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	license, err := s.licenses.GetOrganizationLicense(r.Context(), orgID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, license.Masked())
}

func (s *Server) suspendLicense(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req SuspendLicenseRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	changed, err := s.licenses.SuspendLicense(r.Context(), id, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteChanged(w, changed)
}

func (s *Server) reactivateLicense(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.licenses.ReactivateLicense)
}

func (s *Server) revokeLicense(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.licenses.RevokeLicense)
}

func (s *Server) refreshLicense(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.licenses.RefreshValidation)
}

// transition runs a body-less idempotent license transition
func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (bool, error)) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	changed, err := fn(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteChanged(w, changed)
}

func (s *Server) getLicenseUsage(w http.ResponseWriter, r *http.Request) {
	license, ok := s.loadLicense(w, r)
	if !ok {
		return
	}
	stats, err := s.licenses.GetUsageStatistics(r.Context(), license)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, UsageResponse{
		LicenseID:      license.ID,
		OrganizationID: license.OrganizationID,
		Usage:          stats,
	})
}

func (s *Server) getLicenseViolations(w http.ResponseWriter, r *http.Request) {
	license, ok := s.loadLicense(w, r)
	if !ok {
		return
	}
	violations, err := s.licenses.CheckUsageLimits(r.Context(), license)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if violations == nil {
		violations = []errdefs.Violation{}
	}
	httputil.WriteSuccess(w, ViolationsResponse{LicenseID: license.ID, Violations: violations})
}
