package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/entitlements/pkg/authz"
	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/licensing"
	"github.com/platinummonkey/entitlements/pkg/middleware"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// maxBodyBytes bounds every request body
const maxBodyBytes = 1 << 20

// LicenseService is the licensing engine surface served over HTTP
type LicenseService interface {
	IssueLicense(ctx context.Context, organizationID int64, cfg licensing.IssueConfig) (*licensing.License, error)
	ValidateLicense(ctx context.Context, key, domain string) (*licensing.ValidationResult, error)
	GetLicense(ctx context.Context, id int64) (*licensing.License, error)
	GetOrganizationLicense(ctx context.Context, organizationID int64) (*licensing.License, error)
	SuspendLicense(ctx context.Context, id int64, reason string) (bool, error)
	ReactivateLicense(ctx context.Context, id int64) (bool, error)
	RevokeLicense(ctx context.Context, id int64) (bool, error)
	RefreshValidation(ctx context.Context, id int64) (bool, error)
	GetUsageStatistics(ctx context.Context, l *licensing.License) (map[string]int64, error)
	CheckUsageLimits(ctx context.Context, l *licensing.License) ([]errdefs.Violation, error)
}

// OrganizationService is the organization engine surface served over HTTP
type OrganizationService interface {
	GetOrganization(ctx context.Context, id int64) (*orgs.Organization, error)
	CreateOrganization(ctx context.Context, req orgs.CreateOrgRequest, parentID *int64) (*orgs.Organization, error)
	UpdateOrganization(ctx context.Context, id int64, req orgs.UpdateOrgRequest) (*orgs.Organization, error)
	MoveOrganization(ctx context.Context, id int64, newParentID *int64) (*orgs.Organization, error)
	DeleteOrganization(ctx context.Context, id int64, force bool) (bool, error)
	GetOrganizationHierarchy(ctx context.Context, rootID int64) (*orgs.HierarchyNode, error)
	GetOrganizationUsage(ctx context.Context, id int64, aggregate bool) (usage.Snapshot, error)

	GetMembership(ctx context.Context, orgID, userID int64) (*orgs.Membership, error)
	AttachUserToOrganization(ctx context.Context, orgID, userID int64, role orgs.Role, permissions []string) (*orgs.Membership, error)
	UpdateUserRole(ctx context.Context, orgID, userID int64, role orgs.Role, permissions []string) (*orgs.Membership, error)
	SetMembershipActive(ctx context.Context, orgID, userID int64, active bool) (*orgs.Membership, error)
	DetachUserFromOrganization(ctx context.Context, orgID, userID int64) error
	SwitchUserOrganization(ctx context.Context, userID, orgID int64) (*orgs.Organization, error)
	GetCurrentOrganization(ctx context.Context, userID int64) (*int64, error)
	GetUserOrganizations(ctx context.Context, userID int64) ([]*orgs.Organization, error)
}

// Gate evaluates authorization decisions
type Gate interface {
	middleware.Authorizer
	Evaluate(ctx context.Context, userID, orgID int64, action string, resource *authz.Resource) (*authz.Decision, error)
}

// Config holds the optional collaborators of a Server
type Config struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// EnforceActions guards member management, deletion and the user
	// routes with the caller identity and the gate
	EnforceActions bool

	// ValidateLimiter throttles key validation; nil disables throttling
	ValidateLimiter middleware.Limiter
}

// Server represents our API server
type Server struct {
	licenses LicenseService
	orgs     OrganizationService
	gate     Gate
	config   Config
	logger   *observability.Logger
	router   *mux.Router
	handler  http.Handler
}

// NewServer creates a new API server
func NewServer(licenses LicenseService, organizations OrganizationService, gate Gate, cfg Config) *Server {
	s := &Server{
		licenses: licenses,
		orgs:     organizations,
		gate:     gate,
		config:   cfg,
		logger:   cfg.Logger,
		router:   mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}

	s.router.Use(
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)
	if cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}
	s.router.Use(
		middleware.Identity,
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "route not found")
	})

	s.setupRoutes()
	s.handler = otelhttp.NewHandler(s.router, "entitlements.api")
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.registerLicenseRoutes()
	s.registerOrganizationRoutes()
	s.registerMemberRoutes()
	s.router.HandleFunc("/authorize", s.authorize).Methods(http.MethodPost)
}

// guard wraps h with the authorization gate when enforcement is on
func (s *Server) guard(action string, h http.HandlerFunc) http.Handler {
	if !s.config.EnforceActions {
		return h
	}
	return middleware.RequireAction(s.gate, action, middleware.OrgFromPath("id"), s.logger)(h)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// fail writes err and logs the ones outside the domain taxonomy
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !httputil.WriteDomainError(w, err) {
		observability.FromContext(r.Context(), s.logger).WithError(err).
			WithField("path", r.URL.Path).
			Error("request failed")
	}
}
