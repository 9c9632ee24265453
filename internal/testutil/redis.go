package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// NewMiniRedis starts an in-memory Redis server that is stopped by t.Cleanup.
func NewMiniRedis(t testing.TB) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	return mr
}

// RedisOptions returns client options for mr with retries disabled so tests see
// connection failures immediately.
func RedisOptions(mr *miniredis.Miniredis) *redis.Options {
	return &redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	}
}
