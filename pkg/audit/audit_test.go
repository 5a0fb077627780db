package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

type failingLogger struct{}

func (failingLogger) Log(context.Context, *Event) error { return errors.New("sink down") }
func (failingLogger) Close() error                      { return errors.New("close failed") }

func TestNewEvent(t *testing.T) {
	ctx := observability.WithRequestID(context.Background(), "req-42")

	event := NewEvent(ctx, EventLicenseSuspended, "license suspended").
		ForLicense(7).
		ForOrganization(3).
		By(11).
		With("reason", "billing")

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "req-42", event.RequestID)
	assert.Equal(t, int64(7), *event.LicenseID)
	assert.Equal(t, int64(3), *event.OrganizationID)
	assert.Equal(t, int64(11), *event.ActorID)
	assert.Equal(t, "billing", event.Metadata["reason"])
	assert.Nil(t, event.TargetUserID)

	other := NewEvent(ctx, EventLicenseSuspended, "")
	assert.NotEqual(t, event.ID, other.ID)
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogrusLogger(&buf)

	event := NewEvent(context.Background(), EventOrgForceDelete, "organization force deleted").
		ForOrganization(9).
		ForUser(4).
		With("descendants", 3)
	require.NoError(t, logger.Log(context.Background(), event))
	require.NoError(t, logger.Close())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "org.force_deleted", line["event_type"])
	assert.Equal(t, "organization force deleted", line["message"])
	assert.Equal(t, float64(9), line["organization_id"])
	assert.Equal(t, float64(4), line["target_user_id"])
	assert.Equal(t, float64(3), line["meta_descendants"])
	assert.Equal(t, event.ID, line["audit_id"])
}

func TestMemoryLogger(t *testing.T) {
	logger := NewMemoryLogger()
	ctx := context.Background()

	require.NoError(t, logger.Log(ctx, NewEvent(ctx, EventLicenseIssued, "a")))
	require.NoError(t, logger.Log(ctx, NewEvent(ctx, EventLicenseRevoked, "b")))
	require.NoError(t, logger.Log(ctx, NewEvent(ctx, EventLicenseIssued, "c")))

	assert.Len(t, logger.Events(), 3)
	assert.Len(t, logger.OfType(EventLicenseIssued), 2)
	assert.Empty(t, logger.OfType(EventOrgMoved))
}

func TestMultiLogger(t *testing.T) {
	first := NewMemoryLogger()
	second := NewMemoryLogger()
	multi := NewMultiLogger(first, nil, failingLogger{}, second)

	err := multi.Log(context.Background(), NewEvent(context.Background(), EventOrgCreated, "created"))
	assert.ErrorContains(t, err, "sink down")
	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1)

	assert.ErrorContains(t, multi.Close(), "close failed")
	assert.NoError(t, NewMultiLogger(first).Close())
}

func TestDBLogger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	event := NewEvent(context.Background(), EventMemberAttached, "user attached").
		ForOrganization(5).
		ForUser(6).
		With("role", "admin")

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(event.ID, event.Timestamp, "member.attached", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "user attached", []byte(`{"role":"admin"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, logger.Log(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("disk full"))

	err = logger.Log(context.Background(), NewEvent(context.Background(), EventOrgDeleted, "deleted"))
	assert.ErrorContains(t, err, "failed to insert audit event")
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = NewDBLogger(nil)
	assert.Error(t, err)
}

func TestNewEvent_ActorFromContext(t *testing.T) {
	ctx := WithActor(context.Background(), 21)

	event := NewEvent(ctx, EventOrgCreated, "created")
	require.NotNil(t, event.ActorID)
	assert.Equal(t, int64(21), *event.ActorID)

	actor, ok := ActorFromContext(context.Background())
	assert.False(t, ok)
	assert.Zero(t, actor)
}
