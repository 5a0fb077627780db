package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema in version order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations and memberships",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL UNIQUE,
					hierarchy_type VARCHAR(32) NOT NULL
						CHECK (hierarchy_type IN ('top_branch', 'master_branch', 'sub_user', 'end_user')),
					hierarchy_level INT NOT NULL DEFAULT 0 CHECK (hierarchy_level >= 0),
					parent_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CHECK (parent_id IS NULL OR parent_id <> id)
				);

				CREATE INDEX IF NOT EXISTS idx_organizations_parent ON organizations(parent_id);

				CREATE TABLE IF NOT EXISTS organization_users (
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL,
					role VARCHAR(16) NOT NULL DEFAULT 'member'
						CHECK (role IN ('owner', 'admin', 'member')),
					permissions TEXT[] NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (organization_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_organization_users_user ON organization_users(user_id);

				CREATE TABLE IF NOT EXISTS user_organization_context (
					user_id BIGINT PRIMARY KEY,
					current_organization_id BIGINT REFERENCES organizations(id) ON DELETE SET NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create enterprise licenses",
			SQL: `
				CREATE TABLE IF NOT EXISTS enterprise_licenses (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					key_hash CHAR(64) NOT NULL UNIQUE,
					tier VARCHAR(32) NOT NULL CHECK (tier IN ('basic', 'professional', 'enterprise')),
					status VARCHAR(32) NOT NULL DEFAULT 'active'
						CHECK (status IN ('active', 'suspended', 'revoked', 'expired')),
					features TEXT[] NOT NULL DEFAULT '{}',
					limits JSONB NOT NULL DEFAULT '{}',
					authorized_domains TEXT[] NOT NULL DEFAULT '{}',
					issued_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP,
					last_validated_at TIMESTAMP,
					suspension_reason TEXT,
					grace_period_days INT NOT NULL DEFAULT 7 CHECK (grace_period_days >= 0),
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_enterprise_licenses_current
					ON enterprise_licenses(organization_id) WHERE status <> 'revoked';
			`,
		},
		{
			Version:     3,
			Description: "Create owned resource tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS servers (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_servers_org ON servers(organization_id);

				CREATE TABLE IF NOT EXISTS applications (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_applications_org ON applications(organization_id);

				CREATE TABLE IF NOT EXISTS domains (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_domains_org ON domains(organization_id);

				CREATE TABLE IF NOT EXISTS cloud_provider_credentials (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					provider VARCHAR(64) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_cloud_provider_credentials_org ON cloud_provider_credentials(organization_id);

				CREATE TABLE IF NOT EXISTS provisioning_jobs (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					status VARCHAR(32) NOT NULL DEFAULT 'queued',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_provisioning_jobs_org_status ON provisioning_jobs(organization_id, status);
			`,
		},
		{
			Version:     4,
			Description: "Create audit events",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id UUID PRIMARY KEY,
					occurred_at TIMESTAMP NOT NULL,
					event_type VARCHAR(64) NOT NULL,
					request_id VARCHAR(64),
					actor_id BIGINT,
					organization_id BIGINT,
					license_id BIGINT,
					target_user_id BIGINT,
					message TEXT NOT NULL DEFAULT '',
					metadata JSONB
				);

				CREATE INDEX IF NOT EXISTS idx_audit_events_org ON audit_events(organization_id, occurred_at DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type, occurred_at DESC);
			`,
		},
	}
}

// Migrate applies every pending migration, each in its own transaction
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range Migrations() {
		if applied[migration.Version] {
			continue
		}
		if err := apply(ctx, db, migration); err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("migration applied")
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migrations: %w", err)
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
		migration.Version, migration.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
	}
	return nil
}
