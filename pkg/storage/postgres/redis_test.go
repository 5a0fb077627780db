package postgres

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), RedisConfig{
		URL:        "redis://" + mr.Addr(),
		DB:         2,
		MaxRetries: 5,
		PoolSize:   20,
	})
	require.NoError(t, err)
	defer client.Close()

	opts := client.Options()
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.Equal(t, 20, opts.PoolSize)
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
}

func TestNewRedisClient_Errors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{URL: "invalid://url"})
	assert.ErrorContains(t, err, "invalid redis URL")

	_, err = NewRedisClient(context.Background(), RedisConfig{URL: "redis://localhost:9999"})
	assert.ErrorContains(t, err, "failed to connect to redis")
}
