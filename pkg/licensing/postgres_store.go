package licensing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

const licenseColumns = `id, organization_id, key_hash, tier, status, features, limits,
	authorized_domains, issued_at, expires_at, last_validated_at, suspension_reason,
	grace_period_days, created_at, updated_at`

// PostgresStore implements Store using PostgreSQL. One non-revoked license
// per organization is enforced by a partial unique index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*License, error) {
	l := &License{}
	var (
		limitsJSON       []byte
		expiresAt        sql.NullTime
		lastValidatedAt  sql.NullTime
		suspensionReason sql.NullString
	)
	err := row.Scan(
		&l.ID, &l.OrganizationID, &l.KeyHash, &l.Tier, &l.Status,
		pq.Array(&l.Features), &limitsJSON, pq.Array(&l.AuthorizedDomains),
		&l.IssuedAt, &expiresAt, &lastValidatedAt, &suspensionReason,
		&l.GracePeriodDays, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &l.Limits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal limits: %w", err)
		}
	}
	if expiresAt.Valid {
		l.ExpiresAt = &expiresAt.Time
	}
	if lastValidatedAt.Valid {
		l.LastValidatedAt = &lastValidatedAt.Time
	}
	l.SuspensionReason = suspensionReason.String
	return l, nil
}

// Create implements Store
func (s *PostgresStore) Create(ctx context.Context, l *License) error {
	limitsJSON, err := json.Marshal(l.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}

	query := `
		INSERT INTO enterprise_licenses (
			organization_id, key_hash, tier, status, features, limits, authorized_domains,
			issued_at, expires_at, grace_period_days
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	var expiresAt sql.NullTime
	if l.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *l.ExpiresAt, Valid: true}
	}
	err = s.db.QueryRowContext(ctx, query,
		l.OrganizationID, l.KeyHash, string(l.Tier), string(l.Status),
		pq.Array(l.Features), limitsJSON, pq.Array(l.AuthorizedDomains),
		l.IssuedAt, expiresAt, l.GracePeriodDays,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return conflictLicense()
		}
		if postgres.IsForeignKeyViolation(err) {
			return errdefs.NotFound("organization", l.OrganizationID)
		}
		return fmt.Errorf("failed to create license: %w", err)
	}
	return nil
}

// GetByID implements Store
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM enterprise_licenses WHERE id = $1`
	l, err := scanLicense(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFoundLicense(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return l, nil
}

// GetByKeyHash implements Store
func (s *PostgresStore) GetByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM enterprise_licenses WHERE key_hash = $1`
	l, err := scanLicense(s.db.QueryRowContext(ctx, query, keyHash))
	if err == sql.ErrNoRows {
		return nil, notFoundLicense("key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license by key: %w", err)
	}
	return l, nil
}

// GetByOrganization implements Store
func (s *PostgresStore) GetByOrganization(ctx context.Context, organizationID int64) (*License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM enterprise_licenses
		WHERE organization_id = $1
		ORDER BY (status <> 'revoked') DESC, issued_at DESC, id DESC
		LIMIT 1
	`
	l, err := scanLicense(s.db.QueryRowContext(ctx, query, organizationID))
	if err == sql.ErrNoRows {
		return nil, notFoundLicense(fmt.Sprintf("organization=%d", organizationID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization license: %w", err)
	}
	return l, nil
}

// Transition implements Store using SELECT ... FOR UPDATE
func (s *PostgresStore) Transition(ctx context.Context, id int64, fn TransitionFunc) (*License, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + licenseColumns + ` FROM enterprise_licenses WHERE id = $1 FOR UPDATE`
	l, err := scanLicense(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, false, notFoundLicense(id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock license: %w", err)
	}

	changed, err := fn(l)
	if err != nil || !changed {
		return l, false, err
	}

	var lastValidatedAt sql.NullTime
	if l.LastValidatedAt != nil {
		lastValidatedAt = sql.NullTime{Time: *l.LastValidatedAt, Valid: true}
	}
	update := `
		UPDATE enterprise_licenses
		SET status = $1, suspension_reason = $2, last_validated_at = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`
	err = tx.QueryRowContext(ctx, update, string(l.Status),
		sql.NullString{String: l.SuspensionReason, Valid: l.SuspensionReason != ""},
		lastValidatedAt, id).Scan(&l.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, false, conflictLicense()
		}
		return nil, false, fmt.Errorf("failed to update license: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return l, true, nil
}
