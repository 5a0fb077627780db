// Package errdefs defines the typed error taxonomy shared by the licensing,
// organization and authorization engines.
//
// Every failure a caller is expected to branch on is an *Error carrying a
// Kind. Match with errors.Is against the exported sentinels:
//
//	if errors.Is(err, errdefs.ErrSuspended) { ... }
//
// or with IsKind / KindOf when a switch reads better.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a category of failure
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindExpired             Kind = "expired"
	KindRevoked             Kind = "revoked"
	KindSuspended           Kind = "suspended"
	KindDomainNotAuthorized Kind = "domain_not_authorized"
	KindUsageLimitExceeded  Kind = "usage_limit_exceeded"
	KindValidationFailed    Kind = "validation_failed"
	KindGenerationFailed    Kind = "generation_failed"
	KindInvalidHierarchy    Kind = "invalid_hierarchy"
	KindCycleDetected       Kind = "cycle_detected"
	KindHasChildren         Kind = "has_children"
	KindHasActiveResources  Kind = "has_active_resources"
	KindUnauthorized        Kind = "unauthorized"
	KindConflict            Kind = "conflict"
)

// Violation describes one exceeded usage limit
type Violation struct {
	Limit   string `json:"limit"`
	Current int64  `json:"current"`
	Bound   int64  `json:"bound"`
	Message string `json:"message"`
}

// Error is the concrete error type for every Kind
type Error struct {
	Kind       Kind        `json:"kind"`
	Reason     string      `json:"reason,omitempty"`
	Domain     string      `json:"domain,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Err        error       `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	switch {
	case e.Reason != "":
		b.WriteString(": ")
		b.WriteString(e.Reason)
	case e.Domain != "":
		b.WriteString(": ")
		b.WriteString(e.Domain)
	case len(e.Violations) > 0:
		msgs := make([]string, 0, len(e.Violations))
		for _, v := range e.Violations {
			msgs = append(msgs, v.Message)
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(msgs, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrRevoked             = &Error{Kind: KindRevoked}
	ErrSuspended           = &Error{Kind: KindSuspended}
	ErrDomainNotAuthorized = &Error{Kind: KindDomainNotAuthorized}
	ErrUsageLimitExceeded  = &Error{Kind: KindUsageLimitExceeded}
	ErrValidationFailed    = &Error{Kind: KindValidationFailed}
	ErrGenerationFailed    = &Error{Kind: KindGenerationFailed}
	ErrInvalidHierarchy    = &Error{Kind: KindInvalidHierarchy}
	ErrCycleDetected       = &Error{Kind: KindCycleDetected}
	ErrHasChildren         = &Error{Kind: KindHasChildren}
	ErrHasActiveResources  = &Error{Kind: KindHasActiveResources}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrConflict            = &Error{Kind: KindConflict}
)

// NotFound reports a missing entity
func NotFound(entity string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf("%s %v not found", entity, id)}
}

// Expired reports a license past its grace window
func Expired(expiredAt time.Time) *Error {
	return &Error{Kind: KindExpired, Reason: "license expired at " + expiredAt.UTC().Format(time.RFC3339)}
}

// Revoked reports a permanently revoked license
func Revoked() *Error {
	return &Error{Kind: KindRevoked, Reason: "license has been revoked"}
}

// Suspended reports a suspended license with the operator's reason
func Suspended(reason string) *Error {
	return &Error{Kind: KindSuspended, Reason: reason}
}

// DomainNotAuthorized reports a domain outside the license allow-list
func DomainNotAuthorized(domain string) *Error {
	return &Error{Kind: KindDomainNotAuthorized, Domain: domain}
}

// UsageLimitExceeded reports every exceeded limit at once
func UsageLimitExceeded(violations []Violation) *Error {
	return &Error{Kind: KindUsageLimitExceeded, Violations: violations}
}

// ValidationFailed reports a malformed or tampered license key
func ValidationFailed(reason string) *Error {
	return &Error{Kind: KindValidationFailed, Reason: reason}
}

// GenerationFailed reports a failure to mint a license key
func GenerationFailed(reason string, cause error) *Error {
	return &Error{Kind: KindGenerationFailed, Reason: reason, Err: cause}
}

// InvalidHierarchy reports a parent/child type or level violation
func InvalidHierarchy(reason string) *Error {
	return &Error{Kind: KindInvalidHierarchy, Reason: reason}
}

// CycleDetected reports corrupted parent links found during traversal
func CycleDetected(orgID int64) *Error {
	return &Error{Kind: KindCycleDetected, Reason: fmt.Sprintf("organization %d visited twice", orgID)}
}

// HasChildren reports a delete blocked by child organizations
func HasChildren(count int) *Error {
	return &Error{Kind: KindHasChildren, Reason: fmt.Sprintf("organization has %d child organizations", count)}
}

// HasActiveResources reports a delete blocked by owned resources
func HasActiveResources(reason string) *Error {
	return &Error{Kind: KindHasActiveResources, Reason: reason}
}

// Unauthorized reports a denied membership-side check
func Unauthorized(reason string) *Error {
	return &Error{Kind: KindUnauthorized, Reason: reason}
}

// Conflict reports a uniqueness violation
func Conflict(reason string) *Error {
	return &Error{Kind: KindConflict, Reason: reason}
}

// KindOf returns the Kind of err, or "" for untyped errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As extracts the *Error from err's chain
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
