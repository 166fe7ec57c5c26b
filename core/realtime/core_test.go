package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backstage-idp/eventcore/core/broadcast"
	"github.com/backstage-idp/eventcore/core/delivery"
	"github.com/backstage-idp/eventcore/core/realtime"
	"github.com/backstage-idp/eventcore/pkg/ratelimiter"
)

// recordingSender captures live deliveries per connection.
type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]broadcast.Event
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]broadcast.Event)}
}

func (s *recordingSender) Send(connectionID string, evt broadcast.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[connectionID] = append(s.sent[connectionID], evt)
	return nil
}

func (s *recordingSender) events(connectionID string) []broadcast.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broadcast.Event(nil), s.sent[connectionID]...)
}

func TestCore_Publish(t *testing.T) {
	t.Parallel()

	t.Run("fans out to subscribers", func(t *testing.T) {
		t.Parallel()

		sender := newRecordingSender()
		core := realtime.New(realtime.Config{}, realtime.WithSender(sender))

		require.True(t, core.RegisterConnection("c1", "user-1", "team-a"))
		core.Subscribe("c1", "global", nil)

		evt := broadcast.NewEvent("component.created", "catalog", map[string]any{"name": "api"})
		require.NoError(t, core.Publish(context.Background(), evt))

		got := sender.events("c1")
		require.Len(t, got, 1)
		assert.Equal(t, evt.ID, got[0].ID)
	})

	t.Run("invalid event returns error", func(t *testing.T) {
		t.Parallel()

		core := realtime.New(realtime.Config{})
		err := core.Publish(context.Background(), broadcast.Event{})
		require.ErrorIs(t, err, broadcast.ErrInvalidEvent)
	})

	t.Run("dispatches matching webhooks", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		t.Cleanup(srv.Close)

		core := realtime.New(realtime.Config{})
		_, err := core.RegisterDestination(context.Background(), delivery.Destination{
			URL:    srv.URL,
			Secret: "super-secret-signing-key",
			Events: []string{"component.created"},
		})
		require.NoError(t, err)

		evt := broadcast.NewEvent("component.created", "catalog", map[string]any{})
		require.NoError(t, core.Publish(context.Background(), evt))

		stats := core.Stats()
		assert.Equal(t, int64(1), stats.Delivery.Dispatched)
		assert.Equal(t, 1, stats.Delivery.QueueDepth)
	})

	t.Run("no sender falls back to connection backlog", func(t *testing.T) {
		t.Parallel()

		core := realtime.New(realtime.Config{})
		require.True(t, core.RegisterConnection("c1", "user-1", "team-a"))
		core.Subscribe("c1", "global", nil)

		evt := broadcast.NewEvent("deploy.finished", "deployer", map[string]any{})
		require.NoError(t, core.Publish(context.Background(), evt))

		backlog := core.DrainBacklog("c1")
		require.Len(t, backlog, 1)
		assert.Equal(t, evt.ID, backlog[0].ID)
	})
}

func TestCore_ConnectionLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("user cap denies admission", func(t *testing.T) {
		t.Parallel()

		core := realtime.New(realtime.Config{MaxUserConnections: 1})
		require.True(t, core.RegisterConnection("c1", "user-1", "team-a"))
		assert.False(t, core.RegisterConnection("c2", "user-1", "team-a"))
	})

	t.Run("unregister drops room membership", func(t *testing.T) {
		t.Parallel()

		sender := newRecordingSender()
		core := realtime.New(realtime.Config{}, realtime.WithSender(sender))

		require.True(t, core.RegisterConnection("c1", "user-1", "team-a"))
		core.Subscribe("c1", "global", nil)
		core.UnregisterConnection("c1")

		evt := broadcast.NewEvent("component.created", "catalog", map[string]any{})
		require.NoError(t, core.Publish(context.Background(), evt))

		assert.Empty(t, sender.events("c1"))
		// Each now-empty target room (global, event type, source) queues it.
		assert.Equal(t, 3, core.Stats().Broker.BacklogSize)
	})
}

func TestCore_CheckLimit(t *testing.T) {
	t.Parallel()

	core := realtime.New(realtime.Config{})
	ctx := context.Background()

	rule := ratelimiter.Rule{MaxRequests: 2, Window: time.Minute}
	for range_i := 0; range_i < 2; range_i++ {
		result, err := core.CheckLimit(ctx, "api:team-a", rule)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := core.CheckLimit(ctx, "api:team-a", rule)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Positive(t, result.RetryAfter)
}

func TestCore_Run(t *testing.T) {
	t.Parallel()

	core := realtime.New(realtime.Config{
		MonitorInterval: 10 * time.Millisecond,
		DeliveryFlush:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- core.Run(ctx)()
	}()

	require.Eventually(t, func() bool {
		stats := core.Stats()
		return stats.Delivery.IsRunning && stats.Governor.IsRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}
