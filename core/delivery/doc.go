// Package delivery implements reliable outbound webhook delivery: a
// destination registry, a bounded global event queue, and an asynchronous
// delivery loop with signed payloads, exponential-backoff retry and bounded
// per-destination attempt history.
//
// # Destinations
//
// Destinations are registered explicitly and validated synchronously: the
// URL must be http/https, a secret (when set) must be at least 16 bytes, and
// the endpoint is probed with a short HEAD request before it is accepted
// (405 from POST-only endpoints counts as reachable).
//
//	id, err := engine.RegisterDestination(ctx, delivery.Destination{
//		URL:    "https://hooks.example.com/events",
//		Secret: "at-least-sixteen-bytes",
//		Events: []string{"component.created", "deploy.*"},
//	})
//
// # Dispatch and delivery
//
// Dispatch matches an event against every active destination's event set
// ("*" subscribes to everything), applies the destination's own rate limit
// (limited events are silently dropped, not retried), signs the JSON payload
// when the destination has a secret, and appends to the global queue. The
// queue is bounded with drop-oldest eviction; delivery never blocks dispatch.
//
// A periodic flush drains the queue and POSTs each event with the
// X-Event-Type, X-Event-ID, X-Timestamp and X-Signature-256 headers plus any
// destination-configured custom headers. Failures retry after
// max(serverRetryAfter, base) * 2^retries plus jitter, capped at five
// minutes; retried events re-enter at the front of the queue so redelivery
// is not starved by new traffic. Once the retry budget is exhausted the
// event expires and is dropped. Terminal failures surface only through
// logging and per-destination stats, never as errors.
//
// At-least-once is the delivery guarantee; receivers are expected to
// deduplicate on X-Event-ID. State is memory-only by design; the optional
// DestinationStore persists destination configs write-behind, nothing else.
package delivery
