// Package orgs manages the tenant tree and user memberships.
//
// # Hierarchy
//
// Organizations form a tree of four fixed tiers:
//
//	top_branch -> master_branch -> sub_user -> end_user
//
// A root is always a top_branch at level 0. Every other organization has
// the successor type of its parent and a level one greater. The Engine
// checks this on create and re-checks it on move, where levels of the whole
// moved subtree are recomputed under a subtree lock.
//
// # Membership
//
// A user joins an organization with a role (owner, admin or member) and a
// set of permission strings. A user may switch its current organization
// only to one where it holds an active membership.
//
// # Deletion
//
// DeleteOrganization refuses organizations with children or with owned
// servers and applications unless forced. A forced delete removes the whole
// subtree, children first, and is written to the audit trail.
//
// # Storage
//
// MemoryStore keeps everything in process. PostgresStore reads subtrees with
// a recursive CTE that carries the visited path, so corrupted parent links
// end the recursion instead of looping.
package orgs
