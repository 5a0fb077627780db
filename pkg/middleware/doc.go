// Package middleware provides HTTP middleware for caller identity, action
// gating and rate limiting.
//
// # Overview
//
// Authentication happens upstream. The trusted proxy forwards the caller as
// X-User-ID and, optionally, the target organization as X-Organization-ID.
// Identity copies both into the request context; handlers then pass the ids
// explicitly to the engines.
//
// # Middleware Components
//
// Identity and RequireUser:
//
//	router.Use(middleware.Identity)
//	router.Handle("/users/{user_id}/organizations", middleware.RequireUser(h))
//
// RequireAction: authorization gate guard
//
//	guard := middleware.RequireAction(gate, authz.ActionInviteUser, middleware.OrgFromPath("id"), logger)
//	router.Handle("/orgs/{id}/members", guard(h)).Methods(http.MethodPost)
//
// Denials are written with their typed payload (kind, reason, violations).
//
// RateLimit: per-caller throttling with a local token bucket or a shared
// Redis window
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.DefaultRateLimitConfig(), "")
//	router.Handle("/licenses/validate", middleware.RateLimit(limiter, logger)(h))
//
// The limiter fails open: a Redis outage never blocks key validation.
//
// # Related Packages
//
//   - pkg/authz: the gate behind RequireAction
//   - pkg/httputil: error and response helpers
package middleware
