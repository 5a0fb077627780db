package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLogger persists events to the audit_events table
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger. The table is created
// by the storage migrations.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log implements Logger
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			id, occurred_at, event_type, request_id, actor_id,
			organization_id, license_id, target_user_id, message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := l.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		string(event.Type),
		nullString(event.RequestID),
		nullInt64(event.ActorID),
		nullInt64(event.OrganizationID),
		nullInt64(event.LicenseID),
		nullInt64(event.TargetUserID),
		event.Message,
		nullBytes(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Close implements Logger. The database handle is owned by the caller.
func (l *DBLogger) Close() error {
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
