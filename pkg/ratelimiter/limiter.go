package ratelimiter

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// Result reports the outcome of a single limit check.
type Result struct {
	Allowed    bool
	Remaining  int           // attempts left in the current window; 0 while blocked
	Limit      int           // the rule's maximum
	ResetAt    time.Time     // when the window (or block) frees up capacity
	RetryAfter time.Duration // how long a denied caller should wait; 0 when allowed
}

// Limiter evaluates rules against a Store. It is stateless apart from
// observability counters and safe for concurrent use.
type Limiter struct {
	store  Store
	logger *slog.Logger

	allowed atomic.Int64
	denied  atomic.Int64
	blocked atomic.Int64
}

// LimiterStats provides observability metrics for monitoring and debugging.
type LimiterStats struct {
	Allowed int64 // Total checks that passed
	Denied  int64 // Total checks denied by window evaluation
	Blocked int64 // Total checks denied by an active hard block
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLogger sets the logger for internal operations.
func WithLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter backed by the given store.
func New(store Store, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records an attempt for key and evaluates it against rule. An active
// hard block always overrides window evaluation: while blocked the result
// reports zero remaining capacity and no attempt is recorded.
//
// Denial is a normal negative result; the returned error is reserved for
// invalid rules and store failures.
func (l *Limiter) Check(ctx context.Context, key string, rule Rule) (Result, error) {
	if err := rule.Validate(); err != nil {
		return Result{}, err
	}

	now := time.Now()

	blockedUntil, err := l.store.BlockedUntil(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if now.Before(blockedUntil) {
		l.blocked.Add(1)
		return Result{
			Allowed:    false,
			Remaining:  0,
			Limit:      rule.MaxRequests,
			ResetAt:    blockedUntil,
			RetryAfter: blockedUntil.Sub(now),
		}, nil
	}

	count, oldest, err := l.store.Take(ctx, key, now, rule.Window)
	if err != nil {
		return Result{}, err
	}

	resetAt := oldest.Add(rule.Window)
	if count <= rule.MaxRequests {
		l.allowed.Add(1)
		return Result{
			Allowed:   true,
			Remaining: rule.MaxRequests - count,
			Limit:     rule.MaxRequests,
			ResetAt:   resetAt,
		}, nil
	}

	l.denied.Add(1)
	result := Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      rule.MaxRequests,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}

	if rule.BlockDuration > 0 {
		blockUntil := now.Add(rule.BlockDuration)
		if err := l.store.Block(ctx, key, blockUntil); err != nil {
			// Window denial already stands; losing the block only softens
			// the lockout, so log and carry on.
			l.logger.ErrorContext(ctx, "failed to set rate limit block",
				slog.String("key", key), slog.Any("error", err))
		} else {
			result.ResetAt = blockUntil
			result.RetryAfter = rule.BlockDuration
			l.logger.WarnContext(ctx, "rate limit key blocked",
				slog.String("key", key),
				slog.Time("block_until", blockUntil))
		}
	}

	return result, nil
}

// ReportOutcome tells the limiter how the most recent attempt for key ended.
// When the rule's skip flags exclude that outcome from counting, the attempt
// is removed from the window. Callers that never set skip flags can ignore
// this method entirely.
func (l *Limiter) ReportOutcome(ctx context.Context, key string, rule Rule, success bool) error {
	if (success && rule.SkipSuccessful) || (!success && rule.SkipFailed) {
		return l.store.Forget(ctx, key)
	}
	return nil
}

// Reset clears all limiter state for key. Administrative override.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Stats returns current limiter counters.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		Allowed: l.allowed.Load(),
		Denied:  l.denied.Load(),
		Blocked: l.blocked.Load(),
	}
}
