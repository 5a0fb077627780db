// Package licensing issues, validates and transitions organization licenses.
//
// # Lifecycle
//
// A license is issued active. It may be suspended and reactivated any number
// of times, and revoked from either status. Revocation is terminal. Expiry is
// not a stored transition: the effective State is derived from ExpiresAt and
// the grace window on every read, so a license past ExpiresAt keeps working
// for GracePeriodDays before validation fails with an expired error.
//
// Every transition runs through Store.Transition, which serializes changes to
// one license and reports whether anything changed. Repeating a transition is
// a no-op that returns false.
//
// # Validation
//
// ValidateLicense verifies the key signature with licensekey, finds the
// record by key hash and then applies, in order: key binding, revocation,
// expiry, suspension and the domain allow-list. Records may be served from a
// ValidationCache; transitions invalidate the entry after they commit.
//
// # Limits
//
// Limits map a limit name to a bound, where nil means unlimited. A limit is
// violated when the current count is greater than its bound. Admission
// checks that ask whether one more resource fits live in the authz package.
package licensing
