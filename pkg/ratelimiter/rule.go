package ratelimiter

import (
	"fmt"
	"time"
)

// Rule describes a sliding-window limit. A zero BlockDuration means the rule
// never hard-blocks; denial is then purely window-based and recovers as soon
// as old attempts slide out of the window.
type Rule struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration

	// SkipSuccessful and SkipFailed exclude reported outcomes from the count.
	// A login endpoint sets SkipSuccessful so only failures accrue toward
	// lockout; a quota endpoint might set SkipFailed so rejected work is free.
	SkipSuccessful bool
	SkipFailed     bool
}

// Validate reports whether the rule is usable.
func (r Rule) Validate() error {
	if r.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidRule, r.MaxRequests)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %v", ErrInvalidRule, r.Window)
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("%w: block duration must not be negative, got %v", ErrInvalidRule, r.BlockDuration)
	}
	return nil
}

// RuleKind selects a named preset rule.
type RuleKind int

const (
	// RuleLogin protects credential endpoints: 5 attempts per 15 minutes,
	// 30 minute lockout, successful attempts excluded from the count.
	RuleLogin RuleKind = iota
	// RuleBurst rejects short spikes: 10 requests per second.
	RuleBurst
	// RuleAPIFree, RuleAPIPro and RuleAPIEnterprise are per-tier API limits.
	RuleAPIFree
	RuleAPIPro
	RuleAPIEnterprise
)

// String implements fmt.Stringer for logging.
func (k RuleKind) String() string {
	switch k {
	case RuleLogin:
		return "login"
	case RuleBurst:
		return "burst"
	case RuleAPIFree:
		return "api_free"
	case RuleAPIPro:
		return "api_pro"
	case RuleAPIEnterprise:
		return "api_enterprise"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Preset returns the rule for a named kind. Unknown kinds are a configuration
// error; this is the only path in the package that fails on bad input rather
// than returning a result.
func Preset(kind RuleKind) (Rule, error) {
	switch kind {
	case RuleLogin:
		return Rule{
			MaxRequests:    5,
			Window:         15 * time.Minute,
			BlockDuration:  30 * time.Minute,
			SkipSuccessful: true,
		}, nil
	case RuleBurst:
		return Rule{MaxRequests: 10, Window: time.Second}, nil
	case RuleAPIFree:
		return Rule{MaxRequests: 60, Window: time.Minute}, nil
	case RuleAPIPro:
		return Rule{MaxRequests: 600, Window: time.Minute}, nil
	case RuleAPIEnterprise:
		return Rule{MaxRequests: 6000, Window: time.Minute}, nil
	default:
		return Rule{}, fmt.Errorf("%w: %s", ErrUnknownRule, kind)
	}
}

// MustPreset is like Preset but panics on unknown kinds. Intended for
// package-level rule tables where the kind is a constant.
func MustPreset(kind RuleKind) Rule {
	rule, err := Preset(kind)
	if err != nil {
		panic(err)
	}
	return rule
}

// Progressive tightens a base rule proportionally to a caller-tracked
// violation count: the maximum shrinks and the window widens with each
// violation, so repeat offenders face an increasingly strict limit.
// A zero violation count returns the base rule unchanged.
func Progressive(base Rule, violations int) Rule {
	if violations <= 0 {
		return base
	}
	tightened := base
	tightened.MaxRequests = max(1, base.MaxRequests/(violations+1))
	tightened.Window = base.Window * time.Duration(violations+1)
	if base.BlockDuration > 0 {
		tightened.BlockDuration = base.BlockDuration * time.Duration(violations+1)
	}
	return tightened
}
