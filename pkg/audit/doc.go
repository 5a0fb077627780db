// Package audit records who changed licenses, organizations and memberships.
//
// Engines build events with NewEvent and hand them to a Logger. Sinks:
//
//   - LogrusLogger: JSON lines through logrus
//   - DBLogger: rows in the audit_events table
//   - MemoryLogger: in-process, used by tests and the memory storage mode
//   - MultiLogger: fan-out to several sinks
//
// Audit failures are logged by the caller and never fail the audited operation.
package audit
