// Package redis provides Redis client initialization and health checking.
//
// It wraps the go-redis client with URL validation, exponential retry logic
// and a connectivity ping before the client is handed out. In this system the
// client backs the distributed rate limiter store; any other Redis-compatible
// use works the same way.
//
// Configuration is handled through the Config struct with environment
// variable mapping:
//
//	cfg := redis.Config{ConnectionURL: "redis://localhost:6379/0"}
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
// Healthcheck returns a probe function suitable for readiness endpoints:
//
//	check := redis.Healthcheck(client)
//	if err := check(ctx); err != nil { ... }
//
// Both redis:// and rediss:// (TLS) URL schemes are supported. Errors are
// exposed as package sentinels checkable with errors.Is.
package redis
