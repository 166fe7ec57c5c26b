package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/backstage-idp/eventcore/pkg/webhook"
)

const (
	// MinSecretLength is the minimum byte length of a signing secret.
	MinSecretLength = 16
	// MaxTimeout bounds a destination's per-attempt timeout.
	MaxTimeout = 2 * time.Minute
	// MaxRetryLimit bounds a destination's retry budget.
	MaxRetryLimit = 10

	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3

	// WildcardEvent subscribes a destination to every event type.
	WildcardEvent = "*"
)

var (
	// ErrInvalidDestination is returned for config validation failures.
	ErrInvalidDestination = errors.New("invalid webhook destination")
	// ErrDestinationNotFound is returned for operations on unknown IDs.
	ErrDestinationNotFound = errors.New("webhook destination not found")
)

// RateLimit is a destination's own delivery rate spec.
type RateLimit struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Destination is a registered external HTTP endpoint.
type Destination struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Secret     string            `json:"secret,omitempty"`
	Events     []string          `json:"events"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timeout    time.Duration     `json:"timeout"`
	MaxRetries int               `json:"max_retries"`
	Active     bool              `json:"active"`
	RateLimit  *RateLimit        `json:"rate_limit,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// normalize applies defaults; called after validation on registration.
func (d *Destination) normalize() {
	if d.Timeout == 0 {
		d.Timeout = DefaultTimeout
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = DefaultMaxRetries
	}
}

// validate checks the destination config. Boundary errors surface
// synchronously to the management caller.
func (d Destination) validate() error {
	if err := webhook.ValidateURL(d.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}
	if d.Secret != "" && len(d.Secret) < MinSecretLength {
		return fmt.Errorf("%w: secret must be at least %d bytes", ErrInvalidDestination, MinSecretLength)
	}
	if len(d.Events) == 0 {
		return fmt.Errorf("%w: at least one subscribed event type required", ErrInvalidDestination)
	}
	if d.Timeout < 0 || d.Timeout > MaxTimeout {
		return fmt.Errorf("%w: timeout must be within (0, %s]", ErrInvalidDestination, MaxTimeout)
	}
	if d.MaxRetries < 0 || d.MaxRetries > MaxRetryLimit {
		return fmt.Errorf("%w: max retries must be within [0, %d]", ErrInvalidDestination, MaxRetryLimit)
	}
	if d.RateLimit != nil && (d.RateLimit.MaxRequests <= 0 || d.RateLimit.Window <= 0) {
		return fmt.Errorf("%w: rate limit requires positive max requests and window", ErrInvalidDestination)
	}
	return nil
}

// subscribedTo reports whether the destination wants the event type.
func (d Destination) subscribedTo(eventType string) bool {
	for _, e := range d.Events {
		if e == eventType || e == WildcardEvent {
			return true
		}
	}
	return false
}

// DestinationUpdate is a partial update; nil fields are left unchanged.
type DestinationUpdate struct {
	URL        *string            `json:"url,omitempty"`
	Secret     *string            `json:"secret,omitempty"`
	Events     *[]string          `json:"events,omitempty"`
	Headers    *map[string]string `json:"headers,omitempty"`
	Timeout    *time.Duration     `json:"timeout,omitempty"`
	MaxRetries *int               `json:"max_retries,omitempty"`
	Active     *bool              `json:"active,omitempty"`
	RateLimit  *RateLimit         `json:"rate_limit,omitempty"`
}

// apply merges the update into a copy of dest and returns it.
func (u DestinationUpdate) apply(dest Destination) Destination {
	if u.URL != nil {
		dest.URL = *u.URL
	}
	if u.Secret != nil {
		dest.Secret = *u.Secret
	}
	if u.Events != nil {
		dest.Events = *u.Events
	}
	if u.Headers != nil {
		dest.Headers = *u.Headers
	}
	if u.Timeout != nil {
		dest.Timeout = *u.Timeout
	}
	if u.MaxRetries != nil {
		dest.MaxRetries = *u.MaxRetries
	}
	if u.Active != nil {
		dest.Active = *u.Active
	}
	if u.RateLimit != nil {
		dest.RateLimit = u.RateLimit
	}
	return dest
}
