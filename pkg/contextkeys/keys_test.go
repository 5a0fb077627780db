package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserID(t *testing.T) {
	_, ok := GetUserID(context.Background())
	assert.False(t, ok)

	ctx := WithUserID(context.Background(), 42)
	userID, ok := GetUserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(42), userID)

	_, ok = GetOrganizationID(ctx)
	assert.False(t, ok)
}

func TestOrganizationID(t *testing.T) {
	ctx := WithOrganizationID(context.Background(), 7)
	orgID, ok := GetOrganizationID(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(7), orgID)

	// a string under the same key is not an id
	ctx = context.WithValue(context.Background(), OrganizationIDKey, "7")
	_, ok = GetOrganizationID(ctx)
	assert.False(t, ok)
}
