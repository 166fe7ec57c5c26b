package logger

import (
	"log/slog"
)

// Attribute helpers use the empty Attr pattern for nil safety, so callers can
// write log.Info("msg", logger.Error(err)) without explicit nil checks.

// Error creates an attribute for a single error under the key "error".
// Returns an empty Attr for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component creates an attribute for component names.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

// ConnectionID identifies a realtime connection.
func ConnectionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("connection_id", id)
}

// TenantID identifies the tenant a record belongs to.
func TenantID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("tenant_id", id)
}

// UserID identifies the authenticated user.
func UserID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("user_id", id)
}

// Room identifies a broadcast room.
func Room(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("room", name)
}

// EventType classifies a published event.
func EventType(t string) slog.Attr {
	if t == "" {
		return slog.Attr{}
	}
	return slog.String("event_type", t)
}

// DestinationID identifies a webhook destination.
func DestinationID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("destination_id", id)
}

// RetryCount creates an attribute for retry attempts.
func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}
