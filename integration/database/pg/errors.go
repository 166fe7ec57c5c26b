package pg

import "errors"

// Sentinel errors returned by Connect, Migrate and Healthcheck. Check with
// errors.Is.
var (
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrEmptyConnectionString    = errors.New("empty postgres connection string")
	ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
	ErrHealthcheckFailed        = errors.New("healthcheck failed, connection is not available")
)
