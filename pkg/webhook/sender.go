package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var (
	// ErrInvalidURL is returned when a destination URL is malformed or uses
	// a scheme other than http/https.
	ErrInvalidURL = errors.New("invalid webhook url")
	// ErrUnreachable is returned by Probe when the endpoint does not answer.
	ErrUnreachable = errors.New("webhook endpoint unreachable")
)

// ValidateURL checks that raw is an absolute http or https URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Request describes a single delivery attempt.
type Request struct {
	URL     string
	Body    []byte
	Headers map[string]string
	Timeout time.Duration
}

// Result reports the outcome of one attempt. Delivery failure is data, not a
// Go error: Error carries the failure text and Success is false.
type Result struct {
	Success    bool
	StatusCode int           // 0 when the request never completed
	Error      string        // empty on success
	Duration   time.Duration // measured wall time of the attempt
	RetryAfter time.Duration // server-supplied Retry-After hint, 0 if absent
}

// Sender performs single webhook attempts over a shared HTTP client.
type Sender struct {
	client *http.Client
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient replaces the underlying HTTP client. The per-request timeout
// still comes from Request.Timeout via context deadline.
func WithHTTPClient(client *http.Client) SenderOption {
	return func(s *Sender) {
		if client != nil {
			s.client = client
		}
	}
}

// NewSender creates a Sender with a pooled HTTP client.
func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send performs one timed POST. The attempt is aborted at Request.Timeout via
// context cancellation; a timeout is indistinguishable from any other network
// failure in the Result. A 2xx status is success, everything else is failure.
func (s *Sender) Send(ctx context.Context, req Request) Result {
	start := time.Now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{Error: err.Error(), Duration: time.Since(start)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{Error: err.Error(), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	result := Result{
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
	} else {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result
}

// Probe checks endpoint reachability with a HEAD request. Any HTTP response
// counts as reachable, including 405 Method Not Allowed from endpoints that
// only accept POST.
func (s *Sender) Probe(ctx context.Context, rawURL string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	return nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
