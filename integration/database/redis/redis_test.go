package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/backstage-idp/eventcore/integration/database/redis"
)

func TestConnect_InvalidConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("empty url", func(t *testing.T) {
		t.Parallel()
		_, err := redis.Connect(ctx, redis.Config{})
		require.ErrorIs(t, err, redis.ErrEmptyConnectionURL)
	})

	t.Run("malformed url", func(t *testing.T) {
		t.Parallel()
		_, err := redis.Connect(ctx, redis.Config{ConnectionURL: "http://localhost:6379"})
		require.ErrorIs(t, err, redis.ErrFailedToParseRedisConnString)
	})

	t.Run("unreachable server", func(t *testing.T) {
		t.Parallel()
		_, err := redis.Connect(ctx, redis.Config{
			ConnectionURL:  "redis://127.0.0.1:1/0",
			RetryAttempts:  1,
			RetryInterval:  time.Millisecond,
			ConnectTimeout: time.Second,
		})
		require.ErrorIs(t, err, redis.ErrRedisNotReady)
	})
}
