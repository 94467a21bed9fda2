package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadline/gatekeeper/pkg/config"
)

func TestRedisOptionsAppliesOverrides(t *testing.T) {
	opts, err := redisOptions(config.RedisConfig{
		URL:      "redis://localhost:6379/0",
		Password: "s3cret",
		DB:       3,
		PoolSize: 25,
	})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "s3cret", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 25, opts.PoolSize)
}

func TestRedisOptionsKeepsURLValues(t *testing.T) {
	opts, err := redisOptions(config.RedisConfig{URL: "redis://:fromurl@localhost:6380/2"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", opts.Addr)
	assert.Equal(t, "fromurl", opts.Password)
	assert.Equal(t, 2, opts.DB)
}

func TestRedisOptionsRejectsBadURL(t *testing.T) {
	_, err := redisOptions(config.RedisConfig{URL: "not-a-url"})
	assert.Error(t, err)
}
