package httputil

import (
	"net/http"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
)

// ErrorResponse is the JSON body of every error response. The typed fields
// are set only for domain errors.
type ErrorResponse struct {
	Error      string              `json:"error"`
	Kind       errdefs.Kind        `json:"kind,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Domain     string              `json:"domain,omitempty"`
	Violations []errdefs.Violation `json:"violations,omitempty"`
}

// StatusForKind maps an error kind to its HTTP status code
func StatusForKind(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindValidationFailed, errdefs.KindInvalidHierarchy:
		return http.StatusBadRequest
	case errdefs.KindExpired, errdefs.KindRevoked, errdefs.KindSuspended,
		errdefs.KindDomainNotAuthorized, errdefs.KindUsageLimitExceeded, errdefs.KindUnauthorized:
		return http.StatusForbidden
	case errdefs.KindCycleDetected, errdefs.KindHasChildren, errdefs.KindHasActiveResources, errdefs.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError writes err with the status of its kind. Errors outside
// the taxonomy are written as an opaque 500 and reported as false so the
// caller can log the cause.
func WriteDomainError(w http.ResponseWriter, err error) bool {
	e, ok := errdefs.As(err)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
		return false
	}

	status := StatusForKind(e.Kind)
	resp := ErrorResponse{
		Error:      e.Error(),
		Kind:       e.Kind,
		Reason:     e.Reason,
		Domain:     e.Domain,
		Violations: e.Violations,
	}
	if status == http.StatusInternalServerError {
		resp.Error = string(e.Kind)
		resp.Reason = ""
	}
	WriteJSON(w, status, resp)
	return status != http.StatusInternalServerError
}
