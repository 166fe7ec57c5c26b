package registry_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backstage-idp/eventcore/core/broadcast"
	"github.com/backstage-idp/eventcore/core/registry"
)

func testEvent(seq int) broadcast.Event {
	return broadcast.NewEvent("component.created", "catalog", map[string]any{"seq": seq})
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	t.Run("admits and indexes connections", func(t *testing.T) {
		t.Parallel()

		reg := registry.New()
		require.True(t, reg.Register("c1", "user-1", "tenant-a"))
		require.True(t, reg.Register("c2", "user-2", "tenant-a"))

		assert.Equal(t, 2, reg.Len())
		assert.Equal(t, 2, reg.TenantConnections("tenant-a"))

		info, ok := reg.Get("c1")
		require.True(t, ok)
		assert.Equal(t, "user-1", info.UserID)
		assert.Equal(t, "tenant-a", info.TenantID)
		assert.False(t, info.CreatedAt.IsZero())
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		t.Parallel()

		reg := registry.New()
		require.True(t, reg.Register("c1", "", ""))
		assert.False(t, reg.Register("c1", "", ""))
	})

	t.Run("global cap", func(t *testing.T) {
		t.Parallel()

		reg := registry.New(registry.WithMaxConnections(2))
		require.True(t, reg.Register("c1", "", ""))
		require.True(t, reg.Register("c2", "", ""))
		assert.False(t, reg.Register("c3", "", ""), "admission over the global cap is a normal negative result")
		assert.Equal(t, int64(1), reg.Stats().Rejected)
	})

	t.Run("tenant cap", func(t *testing.T) {
		t.Parallel()

		reg := registry.New(registry.WithMaxTenantConnections(1000))
		for i := 0; i < 1000; i++ {
			require.True(t, reg.Register(fmt.Sprintf("c%d", i), "", "tenant-a"))
		}
		assert.False(t, reg.Register("c1000", "", "tenant-a"),
			"the 1001st registration for a tenant with cap 1000 must fail")
		assert.True(t, reg.Register("other", "", "tenant-b"), "other tenants are unaffected")
		assert.Equal(t, 1000, reg.TenantConnections("tenant-a"))
	})

	t.Run("user cap", func(t *testing.T) {
		t.Parallel()

		reg := registry.New(registry.WithMaxUserConnections(2))
		require.True(t, reg.Register("c1", "user-1", ""))
		require.True(t, reg.Register("c2", "user-1", ""))
		assert.False(t, reg.Register("c3", "user-1", ""))
		assert.True(t, reg.Register("c4", "user-2", ""))
	})

	t.Run("cap frees up after unregister", func(t *testing.T) {
		t.Parallel()

		reg := registry.New(registry.WithMaxUserConnections(1))
		require.True(t, reg.Register("c1", "user-1", ""))
		require.False(t, reg.Register("c2", "user-1", ""))

		reg.Unregister("c1")
		assert.True(t, reg.Register("c2", "user-1", ""))
	})
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()

		reg := registry.New()
		require.True(t, reg.Register("c1", "user-1", "tenant-a"))
		reg.Unregister("c1")
		reg.Unregister("c1")
		reg.Unregister("never-existed")
		assert.Equal(t, 0, reg.Len())
		assert.Equal(t, 0, reg.TenantConnections("tenant-a"))
	})

	t.Run("fires unregister hook once per removal", func(t *testing.T) {
		t.Parallel()

		var mu sync.Mutex
		var removed []string
		reg := registry.New(registry.WithUnregisterHook(func(id string) {
			mu.Lock()
			removed = append(removed, id)
			mu.Unlock()
		}))

		require.True(t, reg.Register("c1", "", ""))
		reg.Unregister("c1")
		reg.Unregister("c1")

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"c1"}, removed)
	})
}

func TestRegistry_Touch(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.True(t, reg.Register("c1", "", ""))

	before, _ := reg.Get("c1")
	time.Sleep(5 * time.Millisecond)
	reg.Touch("c1")
	reg.Touch("c1")

	after, ok := reg.Get("c1")
	require.True(t, ok)
	assert.True(t, after.LastActivity.After(before.LastActivity))
	assert.Equal(t, int64(2), after.MessageCount)

	reg.Touch("unknown") // no-op
}

func TestRegistry_Backlog(t *testing.T) {
	t.Parallel()

	t.Run("drop-oldest at capacity", func(t *testing.T) {
		t.Parallel()

		reg := registry.New(registry.WithConnectionBacklogCap(5))
		require.True(t, reg.Register("c1", "", ""))

		for i := 1; i <= 7; i++ {
			require.True(t, reg.EnqueueBacklog("c1", testEvent(i)))
		}

		backlog := reg.DrainBacklog("c1")
		require.Len(t, backlog, 5, "two oldest events must have been dropped")
		for i, evt := range backlog {
			assert.Equal(t, map[string]any{"seq": i + 3}, evt.Payload, "connection holds exactly events 3..7 in order")
		}

		assert.Nil(t, reg.DrainBacklog("c1"), "drain empties the backlog")
	})

	t.Run("over-age entries are evicted, not drained", func(t *testing.T) {
		t.Parallel()

		reg := registry.New(registry.WithBacklogMaxAge(time.Minute))
		require.True(t, reg.Register("c1", "", ""))

		stale := testEvent(1)
		stale.Timestamp = time.Now().Add(-2 * time.Minute)
		require.True(t, reg.EnqueueBacklog("c1", stale))
		require.True(t, reg.EnqueueBacklog("c1", testEvent(2)))

		backlog := reg.DrainBacklog("c1")
		require.Len(t, backlog, 1, "the over-age event must not be delivered")
		assert.Equal(t, map[string]any{"seq": 2}, backlog[0].Payload)
	})

	t.Run("stale-only backlog drains to nothing", func(t *testing.T) {
		t.Parallel()

		reg := registry.New(registry.WithBacklogMaxAge(time.Minute))
		require.True(t, reg.Register("c1", "", ""))

		stale := testEvent(1)
		stale.Timestamp = time.Now().Add(-time.Hour)
		require.True(t, reg.EnqueueBacklog("c1", stale))

		assert.Nil(t, reg.DrainBacklog("c1"))
	})

	t.Run("unknown connection", func(t *testing.T) {
		t.Parallel()

		reg := registry.New()
		assert.False(t, reg.EnqueueBacklog("missing", testEvent(1)))
		assert.Nil(t, reg.DrainBacklog("missing"))
	})

	t.Run("backlog dropped on unregister", func(t *testing.T) {
		t.Parallel()

		reg := registry.New()
		require.True(t, reg.Register("c1", "", ""))
		require.True(t, reg.EnqueueBacklog("c1", testEvent(1)))
		reg.Unregister("c1")

		require.True(t, reg.Register("c1", "", ""))
		assert.Nil(t, reg.DrainBacklog("c1"), "a re-registered connection starts with an empty backlog")
	})
}
