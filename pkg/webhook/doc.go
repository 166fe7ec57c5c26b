// Package webhook provides the outbound HTTP primitives for webhook delivery:
// HMAC payload signing, a timed single-attempt sender, exponential backoff
// with jitter, and endpoint reachability probing.
//
// The package deliberately performs one attempt per call and reports the
// outcome; retry policy, queuing and destination bookkeeping belong to the
// delivery engine built on top of it.
//
// # Signing
//
// Payloads are signed with HMAC-SHA256 in the common "sha256=<hex>" form:
//
//	sig := webhook.Sign(secret, payload)
//	// sig == "sha256=5257a869e7ecebeda32affa62cdca3fa51cad7e77a0e56ff536d0ce8e108d8bd"
//
// Receivers verify with a constant-time comparison:
//
//	if !webhook.Verify(secret, payload, r.Header.Get("X-Signature-256")) {
//		http.Error(w, "invalid signature", http.StatusUnauthorized)
//		return
//	}
//
// # Sending
//
// Send performs a single timed POST and never returns a Go error for delivery
// failure; the Result carries status, duration, error text and any
// server-supplied Retry-After so the caller can decide on retry:
//
//	result := sender.Send(ctx, webhook.Request{
//		URL:     dest.URL,
//		Body:    body,
//		Headers: headers,
//		Timeout: dest.Timeout,
//	})
//	if !result.Success {
//		delay := backoff.Delay(attempt, result.RetryAfter)
//		// schedule retry after delay
//	}
//
// # Backoff
//
// Backoff computes max(serverRetryAfter, base) * 2^attempt plus proportional
// jitter, capped at a hard ceiling, so synchronized retry storms spread out.
package webhook
