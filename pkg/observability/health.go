package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthChecker pings the database and the optional shared cache.
// A nil db or redis client is skipped.
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	version string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, version string) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient, version: version}
}

// Liveness always reports healthy while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: time.Now(), Version: h.version})
}

// Readiness reports 503 when the database is unreachable.
// An unreachable cache only degrades the service.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// Check pings every configured dependency
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dep := ping(func() error { return h.db.PingContext(ctx) })
		status.Dependencies["database"] = dep
		if dep.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
	}

	if h.redis != nil {
		dep := ping(func() error { return h.redis.Ping(ctx).Err() })
		status.Dependencies["redis"] = dep
		if dep.Status == StatusUnhealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func ping(fn func() error) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Status: StatusHealthy, Timestamp: start}
	err := fn()
	dep.Latency = time.Since(start)
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
