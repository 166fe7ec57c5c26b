package broadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned when an event fails schema validation. It is
// the only error Publish returns: malformed events are rejected at the
// boundary, before any fan-out, so there is never partial delivery.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a domain event flowing through the platform.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`

	// Optional routing keys.
	EntityID  string `json:"entity_id,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Team      string `json:"team,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// NewEvent creates an event with a generated ID and current timestamp.
func NewEvent(eventType, source string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Validate checks the event schema.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEvent)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

// Rooms returns the deterministic target-room set for the event.
func (e Event) Rooms() []string {
	rooms := make([]string, 0, 6)
	rooms = append(rooms, "global")
	if e.EntityID != "" {
		rooms = append(rooms, "entity:"+e.EntityID)
	}
	if e.Namespace != "" {
		rooms = append(rooms, "namespace:"+e.Namespace)
	}
	if e.Team != "" {
		rooms = append(rooms, "team:"+e.Team)
	}
	rooms = append(rooms, "event:"+e.Type, "source:"+e.Source)
	return rooms
}
