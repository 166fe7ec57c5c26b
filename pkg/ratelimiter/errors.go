package ratelimiter

import "errors"

// Package-level error definitions for rate limiter operations.
var (
	ErrUnknownRule      = errors.New("unknown rate limit rule")
	ErrInvalidRule      = errors.New("invalid rate limit rule")
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)
