package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backstage-idp/eventcore/pkg/ratelimiter"
)

func TestLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	t.Run("denies request over the limit", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimiter.New(ratelimiter.NewMemoryStore())
		rule := ratelimiter.Rule{MaxRequests: 5, Window: time.Second}
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			result, err := limiter.Check(ctx, "api:key", rule)
			require.NoError(t, err)
			assert.True(t, result.Allowed, "request %d should be allowed", i+1)
			assert.Equal(t, 5-i-1, result.Remaining)
			assert.Equal(t, 5, result.Limit)
		}

		result, err := limiter.Check(ctx, "api:key", rule)
		require.NoError(t, err)
		assert.False(t, result.Allowed, "6th request within the window should be denied")
		assert.Equal(t, 0, result.Remaining)
		assert.Positive(t, result.RetryAfter)
	})

	t.Run("recovers after the window slides", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimiter.New(ratelimiter.NewMemoryStore())
		rule := ratelimiter.Rule{MaxRequests: 5, Window: 200 * time.Millisecond}
		ctx := context.Background()

		for range_i := 0; range_i < 5; range_i++ {
			result, err := limiter.Check(ctx, "api:key", rule)
			require.NoError(t, err)
			require.True(t, result.Allowed)
		}

		result, err := limiter.Check(ctx, "api:key", rule)
		require.NoError(t, err)
		require.False(t, result.Allowed)

		time.Sleep(rule.Window + 50*time.Millisecond)

		result, err = limiter.Check(ctx, "api:key", rule)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "retry after the window elapsed should succeed")
	})

	t.Run("keys are independent", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimiter.New(ratelimiter.NewMemoryStore())
		rule := ratelimiter.Rule{MaxRequests: 1, Window: time.Minute}
		ctx := context.Background()

		first, err := limiter.Check(ctx, "tenant:a", rule)
		require.NoError(t, err)
		assert.True(t, first.Allowed)

		second, err := limiter.Check(ctx, "tenant:b", rule)
		require.NoError(t, err)
		assert.True(t, second.Allowed, "a different key must not share the window")
	})

	t.Run("rejects invalid rule", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimiter.New(ratelimiter.NewMemoryStore())

		_, err := limiter.Check(context.Background(), "k", ratelimiter.Rule{MaxRequests: 0, Window: time.Second})
		require.ErrorIs(t, err, ratelimiter.ErrInvalidRule)
	})
}

func TestLimiter_HardBlock(t *testing.T) {
	t.Parallel()

	t.Run("block overrides window evaluation", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimiter.New(ratelimiter.NewMemoryStore())
		rule := ratelimiter.Rule{
			MaxRequests:   2,
			Window:        50 * time.Millisecond,
			BlockDuration: time.Minute,
		}
		ctx := context.Background()

		for range_i := 0; range_i < 2; range_i++ {
			result, err := limiter.Check(ctx, "login:ip", rule)
			require.NoError(t, err)
			require.True(t, result.Allowed)
		}

		denied, err := limiter.Check(ctx, "login:ip", rule)
		require.NoError(t, err)
		require.False(t, denied.Allowed)
		assert.InDelta(t, rule.BlockDuration.Seconds(), denied.RetryAfter.Seconds(), 1)

		// Let the window slide out entirely; the block must still hold.
		time.Sleep(100 * time.Millisecond)

		blocked, err := limiter.Check(ctx, "login:ip", rule)
		require.NoError(t, err)
		assert.False(t, blocked.Allowed, "block must outlast the sliding window")
		assert.Equal(t, 0, blocked.Remaining)
	})

	t.Run("reset clears the block", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimiter.New(ratelimiter.NewMemoryStore())
		rule := ratelimiter.Rule{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Hour}
		ctx := context.Background()

		_, err := limiter.Check(ctx, "login:ip", rule)
		require.NoError(t, err)
		denied, err := limiter.Check(ctx, "login:ip", rule)
		require.NoError(t, err)
		require.False(t, denied.Allowed)

		require.NoError(t, limiter.Reset(ctx, "login:ip"))

		result, err := limiter.Check(ctx, "login:ip", rule)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "reset is an admin override")
	})
}

func TestLimiter_ReportOutcome(t *testing.T) {
	t.Parallel()

	t.Run("successful attempts excluded when rule skips them", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimiter.New(ratelimiter.NewMemoryStore())
		rule := ratelimiter.Rule{
			MaxRequests:    2,
			Window:         time.Minute,
			SkipSuccessful: true,
		}
		ctx := context.Background()

		// Repeated successful logins never accrue toward lockout.
		for range_i := 0; range_i < 10; range_i++ {
			result, err := limiter.Check(ctx, "login:user", rule)
			require.NoError(t, err)
			require.True(t, result.Allowed)
			require.NoError(t, limiter.ReportOutcome(ctx, "login:user", rule, true))
		}

		// Failures still count.
		for range_i := 0; range_i < 2; range_i++ {
			result, err := limiter.Check(ctx, "login:user", rule)
			require.NoError(t, err)
			require.True(t, result.Allowed)
			require.NoError(t, limiter.ReportOutcome(ctx, "login:user", rule, false))
		}

		result, err := limiter.Check(ctx, "login:user", rule)
		require.NoError(t, err)
		assert.False(t, result.Allowed, "third failure exceeds the limit")
	})

	t.Run("outcome ignored without skip flags", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimiter.New(ratelimiter.NewMemoryStore())
		rule := ratelimiter.Rule{MaxRequests: 1, Window: time.Minute}
		ctx := context.Background()

		_, err := limiter.Check(ctx, "k", rule)
		require.NoError(t, err)
		require.NoError(t, limiter.ReportOutcome(ctx, "k", rule, true))

		result, err := limiter.Check(ctx, "k", rule)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
	})
}

func TestPreset(t *testing.T) {
	t.Parallel()

	t.Run("known kinds", func(t *testing.T) {
		t.Parallel()

		login, err := ratelimiter.Preset(ratelimiter.RuleLogin)
		require.NoError(t, err)
		assert.True(t, login.SkipSuccessful)
		assert.Positive(t, login.BlockDuration)

		burst, err := ratelimiter.Preset(ratelimiter.RuleBurst)
		require.NoError(t, err)
		assert.Equal(t, 10, burst.MaxRequests)
		assert.Equal(t, time.Second, burst.Window)

		free, err := ratelimiter.Preset(ratelimiter.RuleAPIFree)
		require.NoError(t, err)
		pro, err := ratelimiter.Preset(ratelimiter.RuleAPIPro)
		require.NoError(t, err)
		assert.Greater(t, pro.MaxRequests, free.MaxRequests)
	})

	t.Run("unknown kind is a configuration error", func(t *testing.T) {
		t.Parallel()

		_, err := ratelimiter.Preset(ratelimiter.RuleKind(99))
		require.ErrorIs(t, err, ratelimiter.ErrUnknownRule)
	})
}

func TestProgressive(t *testing.T) {
	t.Parallel()

	base := ratelimiter.Rule{MaxRequests: 10, Window: time.Minute, BlockDuration: time.Minute}

	assert.Equal(t, base, ratelimiter.Progressive(base, 0))

	once := ratelimiter.Progressive(base, 1)
	assert.Equal(t, 5, once.MaxRequests)
	assert.Equal(t, 2*time.Minute, once.Window)
	assert.Equal(t, 2*time.Minute, once.BlockDuration)

	many := ratelimiter.Progressive(base, 100)
	assert.Equal(t, 1, many.MaxRequests, "max never drops below one")
}
