// Package cli provides the licensectl command-line interface for operators.
//
// # Overview
//
// licensectl runs license operations directly against the configured
// storage. It reads the same ENT_* environment as entitlementd, so the
// commands see exactly the records the API serves.
//
// # Commands
//
// migrate: Apply the PostgreSQL schema
//
//	licensectl migrate
//
// issue: Issue a license and print it, including the plaintext key
//
//	licensectl issue \
//		--org 42 \
//		--tier professional \
//		--domains app.example.com,*.example.org \
//		--expires 8760h \
//		--grace-days 14
//
// The key is printed once and never stored; only its hash is persisted.
//
// validate: Validate a key the way the API does
//
//	licensectl validate --key lic_... --domain app.example.com
//
// suspend, reactivate, revoke: Lifecycle transitions
//
//	licensectl suspend --id 7 --reason "payment overdue"
//	licensectl reactivate --id 7
//	licensectl revoke --id 7
//
// Each prints {"license_id": N, "changed": bool}. A transition that does not
// apply to the current status reports changed=false rather than failing.
//
// inspect: Verify a key signature offline
//
//	licensectl inspect --key lic_... --secret "$ENT_LICENSE_SIGNING_SECRET"
//
// inspect needs only the signing secret. It prints the embedded claims and
// the key hash used for lookups, never the key itself.
//
// # Exit Codes
//
// Commands exit 1 and print the error to stderr on failure.
package cli
