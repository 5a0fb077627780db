// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, domain
// error responses, parameter parsing, and the request-scoped middleware the
// API server installs.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, license)
//	httputil.WriteChanged(w, changed)
//
// Domain errors map their kind to a status code and keep the typed payload:
//
//	if !httputil.WriteDomainError(w, err) {
//		logger.WithError(err).Error("request failed")
//	}
//
// # Request Parsing
//
//	var req IssueRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	force, ok := httputil.ParseQueryBoolOrError(w, r, "force", false)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: caller identity, action gating and rate limiting
package httputil
