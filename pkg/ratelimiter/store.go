package ratelimiter

import (
	"context"
	"time"
)

// Store is the sliding-window primitive the limiter builds on. Implementations
// own the window state for their keys; the limiter never caches it.
type Store interface {
	// Take records an attempt at now, discards attempts older than
	// now-window, and returns the retained count (including this attempt)
	// together with the oldest retained timestamp.
	Take(ctx context.Context, key string, now time.Time, window time.Duration) (count int, oldest time.Time, err error)

	// Forget removes the most recently recorded attempt for key. Used when a
	// reported outcome is excluded from counting by the rule's skip flags.
	Forget(ctx context.Context, key string) error

	// Block puts the key into a hard-block state until the given time.
	Block(ctx context.Context, key string, until time.Time) error

	// BlockedUntil returns the key's block deadline, or the zero time when
	// the key is not blocked.
	BlockedUntil(ctx context.Context, key string) (time.Time, error)

	// Reset clears all state for the key (window and block).
	Reset(ctx context.Context, key string) error
}
