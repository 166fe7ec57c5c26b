package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis so limiter state is shared across
// instances. Each key's window lives in a sorted set scored by attempt time;
// the block state is a plain key that expires at the block deadline.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix. Default is "ratelimit".
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(rs *RedisStore) {
		if prefix != "" {
			rs.prefix = prefix
		}
	}
}

// NewRedisStore creates a Store backed by the given Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	rs := &RedisStore{
		client: client,
		prefix: "ratelimit",
	}
	for _, opt := range opts {
		opt(rs)
	}
	return rs
}

func (rs *RedisStore) windowKey(key string) string { return rs.prefix + ":w:" + key }
func (rs *RedisStore) blockKey(key string) string  { return rs.prefix + ":b:" + key }

// Take implements Store.
func (rs *RedisStore) Take(ctx context.Context, key string, now time.Time, windowSize time.Duration) (int, time.Time, error) {
	wkey := rs.windowKey(key)
	cutoff := now.Add(-windowSize).UnixNano()

	pipe := rs.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, wkey, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, wkey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, wkey)
	oldest := pipe.ZRangeWithScores(ctx, wkey, 0, 0)
	// Keep the set a little past the window so Forget after a slow call
	// still finds the entry.
	pipe.Expire(ctx, wkey, windowSize+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	count := int(card.Val())
	oldestAt := now
	if entries := oldest.Val(); len(entries) > 0 {
		oldestAt = time.Unix(0, int64(entries[0].Score))
	}
	return count, oldestAt, nil
}

// Forget implements Store by removing the most recent attempt.
func (rs *RedisStore) Forget(ctx context.Context, key string) error {
	if err := rs.client.ZRemRangeByRank(ctx, rs.windowKey(key), -1, -1).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Block implements Store.
func (rs *RedisStore) Block(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := rs.client.Set(ctx, rs.blockKey(key), until.UnixNano(), ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// BlockedUntil implements Store.
func (rs *RedisStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	val, err := rs.client.Get(ctx, rs.blockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed block value %q", ErrStoreUnavailable, val)
	}
	return time.Unix(0, nanos), nil
}

// Reset implements Store.
func (rs *RedisStore) Reset(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.windowKey(key), rs.blockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Healthcheck validates Redis connectivity.
func (rs *RedisStore) Healthcheck(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
