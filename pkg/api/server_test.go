package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/authz"
	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/licensekey"
	"github.com/platinummonkey/entitlements/pkg/licensing"
	"github.com/platinummonkey/entitlements/pkg/middleware"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type apiFixture struct {
	server   *Server
	orgs     *orgs.Engine
	licenses *licensing.Engine
	counter  *usage.MapCounter
}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	counter := usage.NewMapCounter()
	orgEngine := orgs.NewEngine(orgs.NewMemoryStore(), orgs.EngineConfig{Counter: counter})
	licenseEngine := licensing.NewEngine(licensing.NewMemoryStore(), licensekey.NewCodec(testSecret), counter, licensing.EngineConfig{})
	gate := authz.NewGate(orgEngine, licenseEngine, counter, authz.Config{})
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	return &apiFixture{
		server:   NewServer(licenseEngine, orgEngine, gate, cfg),
		orgs:     orgEngine,
		licenses: licenseEngine,
		counter:  counter,
	}
}

// do sends a JSON request. A non-zero user sets the identity header.
func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, user int64) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set(middleware.UserIDHeader, strconv.FormatInt(user, 10))
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func (f *apiFixture) createOrg(t *testing.T, name string, parent *int64) *orgs.Organization {
	t.Helper()
	org, err := f.orgs.CreateOrganization(context.Background(), orgs.CreateOrgRequest{Name: name}, parent)
	require.NoError(t, err)
	return org
}

func (f *apiFixture) issue(t *testing.T, orgID int64, tier licensing.Tier) *licensing.License {
	t.Helper()
	l, err := f.licenses.IssueLicense(context.Background(), orgID, licensing.IssueConfig{
		Tier:              tier,
		AuthorizedDomains: []string{"app.example.com"},
	})
	require.NoError(t, err)
	return l
}

func TestServer_IssueAndValidateLicense(t *testing.T) {
	f := newAPIFixture(t, Config{})
	org := f.createOrg(t, "Acme", nil)

	rec := f.do(t, http.MethodPost, "/licenses", map[string]interface{}{
		"organization_id":    org.ID,
		"tier":               "professional",
		"authorized_domains": []string{"app.example.com"},
	}, 0)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var issued licensing.License
	decode(t, rec, &issued)
	assert.NotEmpty(t, issued.LicenseKey)
	assert.Equal(t, licensing.TierProfessional, issued.Tier)
	assert.Equal(t, org.ID, issued.OrganizationID)

	t.Run("valid key and domain", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/licenses/validate", ValidateLicenseRequest{
			LicenseKey: issued.LicenseKey,
			Domain:     "app.example.com",
		}, 0)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var result licensing.ValidationResult
		decode(t, rec, &result)
		assert.Equal(t, issued.ID, result.LicenseID)
		assert.Contains(t, result.Features, licensing.FeatureServerProvisioning)
	})

	t.Run("unauthorized domain", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/licenses/validate", ValidateLicenseRequest{
			LicenseKey: issued.LicenseKey,
			Domain:     "evil.example.org",
		}, 0)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		var resp httputil.ErrorResponse
		decode(t, rec, &resp)
		assert.Equal(t, errdefs.KindDomainNotAuthorized, resp.Kind)
		assert.Equal(t, "evil.example.org", resp.Domain)
	})

	t.Run("tampered key", func(t *testing.T) {
		tampered := []byte(issued.LicenseKey)
		last := len(tampered) - 1
		if tampered[last] == 'A' {
			tampered[last] = 'B'
		} else {
			tampered[last] = 'A'
		}
		rec := f.do(t, http.MethodPost, "/licenses/validate", ValidateLicenseRequest{LicenseKey: string(tampered)}, 0)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp httputil.ErrorResponse
		decode(t, rec, &resp)
		assert.Equal(t, errdefs.KindValidationFailed, resp.Kind)
	})

	t.Run("missing key", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/licenses/validate", ValidateLicenseRequest{}, 0)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/licenses/validate", map[string]string{"key": "x"}, 0)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_IssueLicenseErrors(t *testing.T) {
	f := newAPIFixture(t, Config{})
	org := f.createOrg(t, "Acme", nil)

	rec := f.do(t, http.MethodPost, "/licenses", map[string]interface{}{"tier": "basic"}, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/licenses", map[string]interface{}{"organization_id": org.ID, "tier": "platinum"}, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.issue(t, org.ID, licensing.TierBasic)
	rec = f.do(t, http.MethodPost, "/licenses", map[string]interface{}{"organization_id": org.ID, "tier": "basic"}, 0)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_GetLicenseIsMasked(t *testing.T) {
	f := newAPIFixture(t, Config{})
	org := f.createOrg(t, "Acme", nil)
	l := f.issue(t, org.ID, licensing.TierBasic)

	for _, path := range []string{
		fmt.Sprintf("/licenses/%d", l.ID),
		fmt.Sprintf("/orgs/%d/license", org.ID),
	} {
		rec := f.do(t, http.MethodGet, path, nil, 0)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), l.LicenseKey, path)

		var got licensing.License
		decode(t, rec, &got)
		assert.Equal(t, l.ID, got.ID)
		assert.Empty(t, got.LicenseKey)
	}

	rec := f.do(t, http.MethodGet, "/licenses/999", nil, 0)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/licenses/abc", nil, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_LicenseTransitions(t *testing.T) {
	f := newAPIFixture(t, Config{})
	org := f.createOrg(t, "Acme", nil)
	l := f.issue(t, org.ID, licensing.TierBasic)
	base := fmt.Sprintf("/licenses/%d", l.ID)

	changed := func(rec *httptest.ResponseRecorder) bool {
		t.Helper()
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp httputil.ChangedResponse
		decode(t, rec, &resp)
		return resp.Changed
	}

	assert.True(t, changed(f.do(t, http.MethodPost, base+"/suspend", SuspendLicenseRequest{Reason: "billing"}, 0)))
	assert.False(t, changed(f.do(t, http.MethodPost, base+"/suspend", SuspendLicenseRequest{Reason: "billing"}, 0)))

	rec := f.do(t, http.MethodPost, "/licenses/validate", ValidateLicenseRequest{LicenseKey: l.LicenseKey}, 0)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var denial httputil.ErrorResponse
	decode(t, rec, &denial)
	assert.Equal(t, errdefs.KindSuspended, denial.Kind)
	assert.Equal(t, "billing", denial.Reason)

	assert.True(t, changed(f.do(t, http.MethodPost, base+"/reactivate", nil, 0)))
	assert.True(t, changed(f.do(t, http.MethodPost, base+"/refresh", nil, 0)))
	assert.True(t, changed(f.do(t, http.MethodPost, base+"/revoke", nil, 0)))
	assert.False(t, changed(f.do(t, http.MethodPost, base+"/revoke", nil, 0)))

	rec = f.do(t, http.MethodPost, "/licenses/validate", ValidateLicenseRequest{LicenseKey: l.LicenseKey}, 0)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/licenses/999/revoke", nil, 0)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_LicenseUsageAndViolations(t *testing.T) {
	f := newAPIFixture(t, Config{})
	org := f.createOrg(t, "Acme", nil)
	l := f.issue(t, org.ID, licensing.TierBasic)
	f.counter.Set(org.ID, usage.Snapshot{Servers: 7, Users: 3})

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/licenses/%d/usage", l.ID), nil, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats UsageResponse
	decode(t, rec, &stats)
	assert.Equal(t, org.ID, stats.OrganizationID)
	assert.Equal(t, int64(7), stats.Usage[usage.LimitServers])
	assert.Equal(t, int64(3), stats.Usage[usage.LimitUsers])

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/licenses/%d/violations", l.ID), nil, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	var violations ViolationsResponse
	decode(t, rec, &violations)
	require.Len(t, violations.Violations, 1)
	assert.Equal(t, usage.LimitServers, violations.Violations[0].Limit)

	f.counter.Set(org.ID, usage.Snapshot{})
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/licenses/%d/violations", l.ID), nil, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"license_id":%d,"violations":[]}`, l.ID), rec.Body.String())
}

func TestServer_ValidateRateLimit(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Hour,
		BurstSize:         0,
	})
	f := newAPIFixture(t, Config{ValidateLimiter: limiter})

	body := ValidateLicenseRequest{LicenseKey: "not-a-key"}
	first := f.do(t, http.MethodPost, "/licenses/validate", body, 7)
	assert.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := f.do(t, http.MethodPost, "/licenses/validate", body, 7)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	other := f.do(t, http.MethodPost, "/licenses/validate", body, 8)
	assert.NotEqual(t, http.StatusTooManyRequests, other.Code)

	// other routes are not throttled
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodGet, "/licenses/999", nil, 7)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestServer_NotFoundAndMiddleware(t *testing.T) {
	f := newAPIFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/nope", nil, 0)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"route not found"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/orgs/1", nil)
	req.Header.Set(middleware.UserIDHeader, "bogus")
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/orgs/1", nil, 0)
	assert.NotEmpty(t, rec.Header().Get(httputil.RequestIDHeader))
}
