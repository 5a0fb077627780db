// Package postgres holds the shared PostgreSQL and Redis plumbing: the
// primary/replica connection manager, versioned schema migrations, error
// code helpers and the Redis client constructor.
//
// The stores themselves live next to their domain types in pkg/orgs and
// pkg/licensing.
package postgres
