package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

const orgColumns = `o.id, o.name, o.slug, o.hierarchy_type, o.hierarchy_level, o.parent_id,
	o.is_active, o.created_at, o.updated_at`

// subtreeQuery collects the subtree of $1. The path array stops the
// recursion at any organization already on the current branch.
const subtreeQuery = `
	WITH RECURSIVE subtree AS (
		SELECT id, ARRAY[id] AS path
		FROM organizations
		WHERE id = $1
		UNION ALL
		SELECT c.id, s.path || c.id
		FROM organizations c
		JOIN subtree s ON c.parent_id = s.id
		WHERE NOT c.id = ANY(s.path) AND cardinality(s.path) < $2
	)
	SELECT ` + orgColumns + `
	FROM organizations o
	WHERE o.id IN (SELECT id FROM subtree)
	ORDER BY o.id`

// PostgresStore implements Store using PostgreSQL
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

func scanOrganization(row rowScanner) (*Organization, error) {
	org := &Organization{}
	var parentID sql.NullInt64
	err := row.Scan(
		&org.ID, &org.Name, &org.Slug, &org.HierarchyType, &org.HierarchyLevel, &parentID,
		&org.IsActive, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		org.ParentID = &parentID.Int64
	}
	return org, nil
}

func scanOrganizations(rows *sql.Rows) ([]*Organization, error) {
	defer rows.Close()

	var out []*Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		out = append(out, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate organizations: %w", err)
	}
	return out, nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// CreateOrganization implements Store
func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	query := `
		INSERT INTO organizations (name, slug, hierarchy_type, hierarchy_level, parent_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, org.Name, org.Slug, string(org.HierarchyType),
		org.HierarchyLevel, nullableID(org.ParentID), org.IsActive).
		Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) && org.ParentID != nil {
			return notFoundOrganization(*org.ParentID)
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// GetOrganization implements Store
func (s *PostgresStore) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations o WHERE o.id = $1`
	org, err := scanOrganization(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFoundOrganization(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// UpdateOrganization implements Store
func (s *PostgresStore) UpdateOrganization(ctx context.Context, org *Organization) error {
	query := `
		UPDATE organizations
		SET name = $1, slug = $2, is_active = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`
	err := s.db.QueryRowContext(ctx, query, org.Name, org.Slug, org.IsActive, org.ID).Scan(&org.UpdatedAt)
	if err == sql.ErrNoRows {
		return notFoundOrganization(org.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	return nil
}

// ListSubtree implements Store
func (s *PostgresStore) ListSubtree(ctx context.Context, rootID int64) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, subtreeQuery, rootID, maxHierarchyDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtree: %w", err)
	}
	subtree, err := scanOrganizations(rows)
	if err != nil {
		return nil, err
	}
	if len(subtree) == 0 {
		return nil, notFoundOrganization(rootID)
	}
	return rootFirst(subtree, rootID), nil
}

// WithSubtreeLock implements Store using SELECT ... FOR UPDATE on the subtree rows
func (s *PostgresStore) WithSubtreeLock(ctx context.Context, rootID int64, fn func(tx SubtreeTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, subtreeQuery+" FOR UPDATE", rootID, maxHierarchyDepth)
	if err != nil {
		return fmt.Errorf("failed to lock subtree: %w", err)
	}
	subtree, err := scanOrganizations(rows)
	if err != nil {
		return err
	}
	if len(subtree) == 0 {
		return notFoundOrganization(rootID)
	}

	if err := fn(&postgresSubtreeTx{tx: tx, subtree: rootFirst(subtree, rootID)}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresSubtreeTx struct {
	tx      *sql.Tx
	subtree []*Organization
}

func (t *postgresSubtreeTx) Subtree() []*Organization {
	return t.subtree
}

func (t *postgresSubtreeTx) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations o WHERE o.id = $1 FOR UPDATE`
	org, err := scanOrganization(t.tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFoundOrganization(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

func (t *postgresSubtreeTx) SaveStructure(ctx context.Context, org *Organization) error {
	query := `
		UPDATE organizations
		SET parent_id = $1, hierarchy_type = $2, hierarchy_level = $3, updated_at = NOW()
		WHERE id = $4
	`
	result, err := t.tx.ExecContext(ctx, query, nullableID(org.ParentID), string(org.HierarchyType),
		org.HierarchyLevel, org.ID)
	if err != nil {
		return fmt.Errorf("failed to save organization structure: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return notFoundOrganization(org.ID)
	}
	return nil
}

// DeleteOrganizations implements Store. Memberships, licenses and owned
// resources go with the organization through ON DELETE CASCADE.
func (s *PostgresStore) DeleteOrganizations(ctx context.Context, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		result, err := tx.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete organization %d: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return notFoundOrganization(id)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateMembership implements Store
func (s *PostgresStore) CreateMembership(ctx context.Context, m *Membership) error {
	query := `
		INSERT INTO organization_users (organization_id, user_id, role, permissions, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, m.OrganizationID, m.UserID, string(m.Role),
		pq.Array(m.Permissions), m.IsActive).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return errdefs.Conflict("user is already a member of the organization")
		}
		if postgres.IsForeignKeyViolation(err) {
			return notFoundOrganization(m.OrganizationID)
		}
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

// GetMembership implements Store
func (s *PostgresStore) GetMembership(ctx context.Context, orgID, userID int64) (*Membership, error) {
	query := `
		SELECT organization_id, user_id, role, permissions, is_active, created_at, updated_at
		FROM organization_users
		WHERE organization_id = $1 AND user_id = $2
	`
	m := &Membership{}
	err := s.db.QueryRowContext(ctx, query, orgID, userID).Scan(
		&m.OrganizationID, &m.UserID, &m.Role, pq.Array(&m.Permissions), &m.IsActive,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFoundMembership(orgID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// UpdateMembership implements Store
func (s *PostgresStore) UpdateMembership(ctx context.Context, m *Membership) error {
	query := `
		UPDATE organization_users
		SET role = $1, permissions = $2, is_active = $3, updated_at = NOW()
		WHERE organization_id = $4 AND user_id = $5
		RETURNING updated_at
	`
	err := s.db.QueryRowContext(ctx, query, string(m.Role), pq.Array(m.Permissions), m.IsActive,
		m.OrganizationID, m.UserID).Scan(&m.UpdatedAt)
	if err == sql.ErrNoRows {
		return notFoundMembership(m.OrganizationID, m.UserID)
	}
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	return nil
}

// DeleteMembership implements Store
func (s *PostgresStore) DeleteMembership(ctx context.Context, orgID, userID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM organization_users WHERE organization_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE user_organization_context
		SET current_organization_id = NULL, updated_at = NOW()
		WHERE user_id = $1 AND current_organization_id = $2
	`, userID, orgID)
	if err != nil {
		return false, fmt.Errorf("failed to clear current organization: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ListUserOrganizations implements Store
func (s *PostgresStore) ListUserOrganizations(ctx context.Context, userID int64) ([]*Organization, error) {
	query := `
		SELECT ` + orgColumns + `
		FROM organizations o
		JOIN organization_users ou ON ou.organization_id = o.id
		WHERE ou.user_id = $1 AND ou.is_active = TRUE
		ORDER BY o.id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user organizations: %w", err)
	}
	return scanOrganizations(rows)
}

// SetCurrentOrganization implements Store
func (s *PostgresStore) SetCurrentOrganization(ctx context.Context, userID, orgID int64) error {
	query := `
		INSERT INTO user_organization_context (user_id, current_organization_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET current_organization_id = EXCLUDED.current_organization_id, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, userID, orgID); err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return notFoundOrganization(orgID)
		}
		return fmt.Errorf("failed to set current organization: %w", err)
	}
	return nil
}

// GetCurrentOrganization implements Store
func (s *PostgresStore) GetCurrentOrganization(ctx context.Context, userID int64) (*int64, error) {
	var current sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT current_organization_id FROM user_organization_context WHERE user_id = $1`, userID).
		Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current organization: %w", err)
	}
	if !current.Valid {
		return nil, nil
	}
	return &current.Int64, nil
}
