package webhook_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backstage-idp/eventcore/pkg/webhook"
)

func TestSignature_RoundTrip(t *testing.T) {
	t.Parallel()

	secret := "super-secret-signing-key"
	payload := []byte(`{"type":"component.created","entity":"backend-api"}`)

	sig := webhook.Sign(secret, payload)
	assert.True(t, len(sig) > len(webhook.SignaturePrefix))
	assert.Contains(t, sig, webhook.SignaturePrefix)

	assert.True(t, webhook.Verify(secret, payload, sig))

	t.Run("single byte mutation fails verification", func(t *testing.T) {
		t.Parallel()

		tampered := append([]byte(nil), payload...)
		tampered[0] ^= 0x01
		assert.False(t, webhook.Verify(secret, tampered, sig))
	})

	t.Run("wrong secret fails verification", func(t *testing.T) {
		t.Parallel()
		assert.False(t, webhook.Verify("other-secret", payload, sig))
	})

	t.Run("missing prefix fails verification", func(t *testing.T) {
		t.Parallel()
		assert.False(t, webhook.Verify(secret, payload, "deadbeef"))
	})
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	require.NoError(t, webhook.ValidateURL("https://hooks.example.com/events"))
	require.NoError(t, webhook.ValidateURL("http://localhost:8080/hook"))
	require.ErrorIs(t, webhook.ValidateURL("ftp://example.com"), webhook.ErrInvalidURL)
	require.ErrorIs(t, webhook.ValidateURL("not a url"), webhook.ErrInvalidURL)
	require.ErrorIs(t, webhook.ValidateURL("/relative/path"), webhook.ErrInvalidURL)
}

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := webhook.Backoff{Base: time.Second, Max: 5 * time.Minute}

	assert.Equal(t, time.Second, b.Delay(0, 0))
	assert.Equal(t, 2*time.Second, b.Delay(1, 0))
	assert.Equal(t, 4*time.Second, b.Delay(2, 0))

	t.Run("server hint overrides base", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 10*time.Second, b.Delay(0, 10*time.Second))
		assert.Equal(t, 20*time.Second, b.Delay(1, 10*time.Second))
	})

	t.Run("capped at ceiling", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 5*time.Minute, b.Delay(30, 0))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		t.Parallel()

		jittered := webhook.Backoff{Base: time.Second, Max: 5 * time.Minute, JitterFactor: 0.1}
		for range_i := 0; range_i < 100; range_i++ {
			d := jittered.Delay(1, 0)
			assert.GreaterOrEqual(t, d, 2*time.Second)
			assert.LessOrEqual(t, d, 2200*time.Millisecond)
		}
	})
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	t.Run("2xx is success", func(t *testing.T) {
		t.Parallel()

		var gotBody string
		var gotContentType string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			gotBody = string(body)
			gotContentType = r.Header.Get("Content-Type")
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		sender := webhook.NewSender()
		result := sender.Send(context.Background(), webhook.Request{
			URL:     srv.URL,
			Body:    []byte(`{"ok":true}`),
			Timeout: time.Second,
		})

		assert.True(t, result.Success)
		assert.Equal(t, http.StatusNoContent, result.StatusCode)
		assert.Empty(t, result.Error)
		assert.Positive(t, result.Duration)
		assert.Equal(t, `{"ok":true}`, gotBody)
		assert.Equal(t, "application/json", gotContentType)
	})

	t.Run("non-2xx is failure with retry-after hint", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		result := webhook.NewSender().Send(context.Background(), webhook.Request{
			URL: srv.URL, Body: []byte("{}"), Timeout: time.Second,
		})

		assert.False(t, result.Success)
		assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
		assert.NotEmpty(t, result.Error)
		assert.Equal(t, 7*time.Second, result.RetryAfter)
	})

	t.Run("timeout counts as failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		result := webhook.NewSender().Send(context.Background(), webhook.Request{
			URL: srv.URL, Body: []byte("{}"), Timeout: 20 * time.Millisecond,
		})

		assert.False(t, result.Success)
		assert.Equal(t, 0, result.StatusCode)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("custom headers forwarded", func(t *testing.T) {
		t.Parallel()

		var gotHeader string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeader = r.Header.Get("X-Custom")
		}))
		defer srv.Close()

		webhook.NewSender().Send(context.Background(), webhook.Request{
			URL:     srv.URL,
			Body:    []byte("{}"),
			Headers: map[string]string{"X-Custom": "value"},
			Timeout: time.Second,
		})
		assert.Equal(t, "value", gotHeader)
	})
}

func TestSender_Probe(t *testing.T) {
	t.Parallel()

	t.Run("reachable endpoint", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodHead, r.Method)
		}))
		defer srv.Close()

		require.NoError(t, webhook.NewSender().Probe(context.Background(), srv.URL, time.Second))
	})

	t.Run("405 counts as reachable", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}))
		defer srv.Close()

		require.NoError(t, webhook.NewSender().Probe(context.Background(), srv.URL, time.Second))
	})

	t.Run("connection refused is unreachable", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		err := webhook.NewSender().Probe(context.Background(), srv.URL, time.Second)
		require.ErrorIs(t, err, webhook.ErrUnreachable)
	})
}
