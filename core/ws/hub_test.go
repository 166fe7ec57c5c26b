package ws_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backstage-idp/eventcore/core/broadcast"
	"github.com/backstage-idp/eventcore/core/ws"
)

// fakeBackend records hub callbacks and controls admission.
type fakeBackend struct {
	mu           sync.Mutex
	admit        bool
	registered   []string
	unregistered []string
	subscribed   []string
	unsubscribed []string
	touches      int
	backlog      []broadcast.Event
}

func newFakeBackend() *fakeBackend { return &fakeBackend{admit: true} }

func (b *fakeBackend) RegisterConnection(connectionID, userID, tenantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.admit {
		return false
	}
	b.registered = append(b.registered, connectionID)
	return true
}

func (b *fakeBackend) UnregisterConnection(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregistered = append(b.unregistered, connectionID)
}

func (b *fakeBackend) Touch(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touches++
}

func (b *fakeBackend) Subscribe(connectionID, roomName string, _ *broadcast.Filter) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, roomName)
	return 0
}

func (b *fakeBackend) Unsubscribe(connectionID, roomName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, roomName)
}

func (b *fakeBackend) DrainBacklog(string) []broadcast.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.backlog
	b.backlog = nil
	return drained
}

func (b *fakeBackend) connectionID(t *testing.T) string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.registered)
	return b.registered[0]
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHub_Handler(t *testing.T) {
	t.Parallel()

	t.Run("unbound hub refuses upgrades", func(t *testing.T) {
		t.Parallel()

		hub := ws.NewHub()
		srv := httptest.NewServer(hub.Handler())
		t.Cleanup(srv.Close)

		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("authentication failure yields 401", func(t *testing.T) {
		t.Parallel()

		hub := ws.NewHub(ws.WithAuthenticate(func(r *http.Request) (string, string, error) {
			return "", "", errors.New("no token")
		}))
		hub.Bind(newFakeBackend())
		srv := httptest.NewServer(hub.Handler())
		t.Cleanup(srv.Close)

		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, int64(1), hub.Stats().Rejected)
	})

	t.Run("admission denied closes with policy violation", func(t *testing.T) {
		t.Parallel()

		backend := newFakeBackend()
		backend.admit = false
		hub := ws.NewHub()
		hub.Bind(backend)
		srv := httptest.NewServer(hub.Handler())
		t.Cleanup(srv.Close)

		client := dial(t, srv)
		_ = client.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := client.ReadMessage()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
			"expected policy violation close, got %v", err)
	})
}

func TestHub_Frames(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	hub := ws.NewHub()
	hub.Bind(backend)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	client := dial(t, srv)

	require.Eventually(t, func() bool {
		return hub.Len() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.WriteJSON(map[string]any{
		"action": "subscribe",
		"room":   "team:platform",
	}))
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.subscribed) == 1 && backend.subscribed[0] == "team:platform"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.WriteJSON(map[string]any{
		"action": "unsubscribe",
		"room":   "team:platform",
	}))
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.unsubscribed) == 1
	}, time.Second, 5*time.Millisecond)

	// Every processed frame touches the connection.
	backend.mu.Lock()
	touches := backend.touches
	backend.mu.Unlock()
	assert.GreaterOrEqual(t, touches, 2)
}

func TestHub_Send(t *testing.T) {
	t.Parallel()

	t.Run("delivers to the client", func(t *testing.T) {
		t.Parallel()

		backend := newFakeBackend()
		hub := ws.NewHub()
		hub.Bind(backend)
		srv := httptest.NewServer(hub.Handler())
		t.Cleanup(srv.Close)

		client := dial(t, srv)
		require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

		evt := broadcast.NewEvent("component.created", "catalog", map[string]any{"name": "api"})
		require.NoError(t, hub.Send(backend.connectionID(t), evt))

		var got broadcast.Event
		_ = client.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, client.ReadJSON(&got))
		assert.Equal(t, evt.ID, got.ID)
		assert.Equal(t, "component.created", got.Type)
	})

	t.Run("unknown connection", func(t *testing.T) {
		t.Parallel()

		hub := ws.NewHub()
		hub.Bind(newFakeBackend())
		err := hub.Send("missing", broadcast.NewEvent("x", "y", map[string]any{}))
		require.ErrorIs(t, err, ws.ErrConnectionNotFound)
	})
}

func TestHub_BacklogFlushOnSubscribe(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	queued := []broadcast.Event{
		broadcast.NewEvent("deploy.started", "deployer", map[string]any{"n": 1}),
		broadcast.NewEvent("deploy.finished", "deployer", map[string]any{"n": 2}),
	}
	backend.backlog = append(backend.backlog, queued...)

	hub := ws.NewHub()
	hub.Bind(backend)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	client := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.WriteJSON(map[string]any{
		"action": "subscribe",
		"room":   "global",
	}))

	for i, want := range queued {
		var got broadcast.Event
		_ = client.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, client.ReadJSON(&got), "backlog event %d", i)
		assert.Equal(t, want.ID, got.ID)
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	hub := ws.NewHub()
	hub.Bind(backend)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	client := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	id := backend.connectionID(t)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.unregistered) == 1 && backend.unregistered[0] == id
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.Len())
}
