package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Ordered(t *testing.T) {
	migrations := Migrations()
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.Description)
		assert.NotEmpty(t, m.SQL)
	}
}

func TestMigrations_Schema(t *testing.T) {
	var all string
	for _, m := range Migrations() {
		all += m.SQL
	}
	for _, table := range []string{
		"organizations", "organization_users", "user_organization_context",
		"enterprise_licenses", "servers", "applications", "domains",
		"cloud_provider_credentials", "provisioning_jobs", "audit_events",
	} {
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, all, "WHERE status <> 'revoked'")
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations := Migrations()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1).AddRow(2))

	for _, m := range migrations[2:] {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(m.Version, m.Description).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}

	require.NoError(t, Migrate(context.Background(), db, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS organizations").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), db, nil)
	assert.ErrorContains(t, err, "failed to execute migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
