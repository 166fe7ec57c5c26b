// Package logger builds structured slog loggers with environment presets and
// a set of nil-safe attribute helpers for the attributes this system logs
// most: connections, tenants, rooms, event types and webhook destinations.
//
// Basic usage:
//
//	log := logger.New(
//		logger.WithProduction("eventcore"),
//	)
//
//	log.Info("connection registered",
//		logger.ConnectionID(connID),
//		logger.TenantID(tenantID),
//	)
//
// Presets:
//
//	// Development: text format, debug level, stdout
//	logger.New(logger.WithDevelopment("eventcore"))
//
//	// Production: JSON format, info level, stdout
//	logger.New(logger.WithProduction("eventcore"))
//
// Attribute helpers return an empty slog.Attr for zero values, so calls like
// logger.Error(err) are safe without explicit nil checks.
package logger
