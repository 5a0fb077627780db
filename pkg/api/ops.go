package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

// OpsHandler serves the liveness, readiness and metrics endpoints. It is
// mounted on the health port, apart from the API. A nil registry leaves
// /metrics unrouted.
func OpsHandler(health *observability.HealthChecker, registry *prometheus.Registry) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	if registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}
	return router
}
