// Package ratelimiter provides sliding-window rate limiting with pluggable
// storage backends and optional hard-block lockout.
//
// # Sliding Window Algorithm
//
// The limiter retains the timestamps of recent attempts and counts only those
// within the trailing window:
//  1. Attempts older than the window are discarded on every check
//  2. The current attempt is recorded and the retained attempts are counted
//  3. The attempt is allowed while the count stays within the rule's maximum
//  4. When a rule carries a block duration, exceeding the maximum enters a
//     hard-block state that overrides window evaluation until it expires
//
// Unlike fixed buckets, a sliding window cannot admit a double burst across a
// bucket boundary, which makes it the right fit for abuse-sensitive keys such
// as login attempts.
//
// # Rules
//
// Rules are either explicit or named presets selected by a typed kind:
//
//	// Explicit rule: 5 attempts per second
//	rule := ratelimiter.Rule{MaxRequests: 5, Window: time.Second}
//
//	// Named preset: login lockout (only failures count, hard block on abuse)
//	rule, err := ratelimiter.Preset(ratelimiter.RuleLogin)
//
// RuleKind is a closed enum rather than a string so unknown rules are a
// compile-time concern wherever possible; Preset returns ErrUnknownRule for
// out-of-range kinds, which is the only error path a caller must handle.
//
// # Usage
//
//	store := ratelimiter.NewMemoryStore()
//	limiter := ratelimiter.New(store)
//
//	result, err := limiter.Check(ctx, "login:ip:203.0.113.7", rule)
//	if err != nil {
//		return err
//	}
//	if !result.Allowed {
//		// deny, optionally surface result.RetryAfter to the client
//	}
//
// For login-style endpoints where successful attempts should not count toward
// lockout, report the outcome after the protected operation completes:
//
//	limiter.ReportOutcome(ctx, key, rule, loginSucceeded)
//
// # Derived Strategies
//
// Progressive limiting tightens a base rule proportionally to a caller-tracked
// violation count:
//
//	tightened := ratelimiter.Progressive(rule, violations)
//
// Burst protection and per-tier API limiting are presets (RuleBurst,
// RuleAPIFree, RuleAPIPro, RuleAPIEnterprise) over the same primitive.
//
// # Storage Backends
//
// MemoryStore keeps windows in a map guarded by a mutex and sweeps windows
// with no block and no activity for 24 hours; suitable for single-instance
// deployments. RedisStore keeps each window in a sorted set and the block
// state in a keyed TTL entry, sharing limiter state across instances.
package ratelimiter
