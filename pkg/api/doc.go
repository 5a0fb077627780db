// Package api serves the licensing engine, the organization engine and the
// authorization gate over HTTP.
//
// # Routes
//
// Licenses (operator surface, never gated):
//
//	POST /licenses                       issue; the only response carrying the plaintext key
//	POST /licenses/validate              validate a key, optionally against a domain
//	GET  /licenses/{id}                  masked license
//	POST /licenses/{id}/suspend          {"reason": "..."}
//	POST /licenses/{id}/reactivate
//	POST /licenses/{id}/revoke
//	POST /licenses/{id}/refresh
//	GET  /licenses/{id}/usage
//	GET  /licenses/{id}/violations
//	GET  /orgs/{id}/license
//
// Organizations and members:
//
//	POST   /orgs
//	GET    /orgs/{id}
//	PUT    /orgs/{id}
//	POST   /orgs/{id}/move               {"parent_id": null} makes a root
//	DELETE /orgs/{id}?force=true
//	GET    /orgs/{id}/hierarchy
//	GET    /orgs/{id}/usage?aggregate=true
//	POST   /orgs/{id}/members
//	GET    /orgs/{id}/members/{user_id}
//	PUT    /orgs/{id}/members/{user_id}
//	DELETE /orgs/{id}/members/{user_id}
//	GET    /users/{user_id}/organizations
//	PUT    /users/{user_id}/current-organization
//
// Decisions:
//
//	POST /authorize
//
// A denial from /authorize is a 200 with "allowed": false. Everywhere else
// domain errors map to statuses through httputil.StatusForKind and carry
// their kind, reason, domain and violations.
//
// # Enforcement
//
// With Config.EnforceActions set, member management and deletion run the
// gate for the X-User-ID caller (invite_user, manage_roles,
// delete_organization) and the /users routes only serve the caller itself.
//
// # Operations
//
// OpsHandler serves /healthz, /readyz and /metrics on a separate listener.
package api
