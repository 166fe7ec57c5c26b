package registry

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backstage-idp/eventcore/core/broadcast"
)

const (
	DefaultMaxConnections       = 10000
	DefaultMaxTenantConnections = 1000
	DefaultMaxUserConnections   = 10
	DefaultConnectionBacklogCap = 50
	DefaultBacklogMaxAge        = 5 * time.Minute
)

// connection is the registry-owned record for one live connection.
type connection struct {
	id           string
	userID       string
	tenantID     string
	createdAt    time.Time
	lastActivity time.Time
	messageCount int64
	backlog      []broadcast.Event
}

// ConnectionInfo is a read-only snapshot of a connection.
type ConnectionInfo struct {
	ID           string
	UserID       string
	TenantID     string
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int64
	BacklogSize  int
}

// Registry owns the connection map and its tenant/user indices. No other
// component mutates them.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	byTenant map[string]map[string]struct{}
	byUser   map[string]map[string]struct{}

	maxConnections       int
	maxTenantConnections int
	maxUserConnections   int
	backlogCap           int
	backlogMaxAge        time.Duration
	onUnregister         func(connectionID string)
	logger               *slog.Logger

	// Observability metrics
	registered atomic.Int64
	rejected   atomic.Int64
	evicted    atomic.Int64
}

// RegistryStats provides observability metrics for monitoring and debugging.
type RegistryStats struct {
	Connections int   // Current number of live connections
	Tenants     int   // Current number of tenants with at least one connection
	Registered  int64 // Total successful registrations
	Rejected    int64 // Total registrations rejected by capacity caps
	Evicted     int64 // Total governor/stale evictions
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxConnections caps the global number of live connections.
func WithMaxConnections(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxConnections = n
		}
	}
}

// WithMaxTenantConnections caps live connections per tenant.
func WithMaxTenantConnections(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxTenantConnections = n
		}
	}
}

// WithMaxUserConnections caps live connections per user.
func WithMaxUserConnections(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxUserConnections = n
		}
	}
}

// WithConnectionBacklogCap bounds each connection's event backlog.
func WithConnectionBacklogCap(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.backlogCap = n
		}
	}
}

// WithBacklogMaxAge bounds how long a queued event stays deliverable from a
// per-connection backlog.
func WithBacklogMaxAge(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.backlogMaxAge = d
		}
	}
}

// WithUnregisterHook registers a callback fired after every removal, explicit
// or evicted. The core uses it to drop room membership.
func WithUnregisterHook(fn func(connectionID string)) Option {
	return func(r *Registry) {
		r.onUnregister = fn
	}
}

// WithRegistryLogger sets the logger for internal operations.
func WithRegistryLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a connection registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:                make(map[string]*connection),
		byTenant:             make(map[string]map[string]struct{}),
		byUser:               make(map[string]map[string]struct{}),
		maxConnections:       DefaultMaxConnections,
		maxTenantConnections: DefaultMaxTenantConnections,
		maxUserConnections:   DefaultMaxUserConnections,
		backlogCap:           DefaultConnectionBacklogCap,
		backlogMaxAge:        DefaultBacklogMaxAge,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register admits a connection, indexing it by tenant and user. Returns false
// without error when the connection ID is already present or when the
// global, tenant or user cap is reached.
func (r *Registry) Register(connectionID, userID, tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connectionID]; exists {
		r.rejected.Add(1)
		return false
	}
	if len(r.conns) >= r.maxConnections {
		r.rejected.Add(1)
		return false
	}
	if tenantID != "" && len(r.byTenant[tenantID]) >= r.maxTenantConnections {
		r.rejected.Add(1)
		return false
	}
	if userID != "" && len(r.byUser[userID]) >= r.maxUserConnections {
		r.rejected.Add(1)
		return false
	}

	now := time.Now()
	r.conns[connectionID] = &connection{
		id:           connectionID,
		userID:       userID,
		tenantID:     tenantID,
		createdAt:    now,
		lastActivity: now,
	}
	if tenantID != "" {
		if r.byTenant[tenantID] == nil {
			r.byTenant[tenantID] = make(map[string]struct{})
		}
		r.byTenant[tenantID][connectionID] = struct{}{}
	}
	if userID != "" {
		if r.byUser[userID] == nil {
			r.byUser[userID] = make(map[string]struct{})
		}
		r.byUser[userID][connectionID] = struct{}{}
	}
	r.registered.Add(1)
	return true
}

// Unregister removes a connection and cleans its indices and backlog.
// Idempotent: removing an unknown ID is a no-op.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	conn, exists := r.conns[connectionID]
	if exists {
		delete(r.conns, connectionID)
		r.dropIndex(r.byTenant, conn.tenantID, connectionID)
		r.dropIndex(r.byUser, conn.userID, connectionID)
	}
	hook := r.onUnregister
	r.mu.Unlock()

	if exists && hook != nil {
		hook(connectionID)
	}
}

func (r *Registry) dropIndex(index map[string]map[string]struct{}, key, connectionID string) {
	if key == "" {
		return
	}
	if set, ok := index[key]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, exists := r.conns[connectionID]; exists {
		conn.lastActivity = time.Now()
		conn.messageCount++
	}
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(connectionID string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[connectionID]
	if !exists {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{
		ID:           conn.id,
		UserID:       conn.userID,
		TenantID:     conn.tenantID,
		CreatedAt:    conn.createdAt,
		LastActivity: conn.lastActivity,
		MessageCount: conn.messageCount,
		BacklogSize:  len(conn.backlog),
	}, true
}

// EnqueueBacklog appends an event to the connection's bounded backlog,
// dropping the oldest entry at capacity. Returns false for unknown
// connections. Implements broadcast.BacklogSink.
func (r *Registry) EnqueueBacklog(connectionID string, evt broadcast.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connectionID]
	if !exists {
		return false
	}
	conn.pruneBacklog(r.backlogMaxAge)
	if len(conn.backlog) >= r.backlogCap {
		conn.backlog = conn.backlog[1:]
	}
	conn.backlog = append(conn.backlog, evt)
	return true
}

// DrainBacklog removes and returns the connection's backlog in order. Entries
// older than the backlog max age are evicted rather than returned.
func (r *Registry) DrainBacklog(connectionID string) []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connectionID]
	if !exists {
		return nil
	}
	conn.pruneBacklog(r.backlogMaxAge)
	if len(conn.backlog) == 0 {
		return nil
	}
	backlog := conn.backlog
	conn.backlog = nil
	return backlog
}

// pruneBacklog drops backlog entries older than maxAge. The backlog is in
// enqueue order, so stale entries are contiguous at the head.
func (c *connection) pruneBacklog(maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for n < len(c.backlog) && c.backlog[n].Timestamp.Before(cutoff) {
		n++
	}
	if n > 0 {
		c.backlog = append([]broadcast.Event(nil), c.backlog[n:]...)
	}
}

// Len returns the current number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// TenantConnections returns the number of live connections for a tenant.
func (r *Registry) TenantConnections(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTenant[tenantID])
}

// Stats returns current registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	connections := len(r.conns)
	tenants := len(r.byTenant)
	r.mu.RUnlock()

	return RegistryStats{
		Connections: connections,
		Tenants:     tenants,
		Registered:  r.registered.Load(),
		Rejected:    r.rejected.Load(),
		Evicted:     r.evicted.Load(),
	}
}

// backlogTotal sums per-connection backlog sizes. Caller holds the lock.
func (r *Registry) backlogTotal() int {
	total := 0
	for _, conn := range r.conns {
		total += len(conn.backlog)
	}
	return total
}

// clearBacklogs empties every per-connection backlog. Caller holds the lock.
func (r *Registry) clearBacklogs() int {
	cleared := 0
	for _, conn := range r.conns {
		cleared += len(conn.backlog)
		conn.backlog = nil
	}
	return cleared
}

// truncateBacklogs trims any backlog above limit to its newest entries.
// Caller holds the lock.
func (r *Registry) truncateBacklogs(limit int) int {
	trimmed := 0
	for _, conn := range r.conns {
		if len(conn.backlog) > limit {
			trimmed += len(conn.backlog) - limit
			conn.backlog = append([]broadcast.Event(nil), conn.backlog[len(conn.backlog)-limit:]...)
		}
	}
	return trimmed
}

// oldestConnections returns up to n connection IDs ordered by least recent
// activity. Caller holds the lock.
func (r *Registry) oldestConnections(n int) []string {
	if n <= 0 {
		return nil
	}
	type idle struct {
		id           string
		lastActivity time.Time
	}
	all := make([]idle, 0, len(r.conns))
	for id, conn := range r.conns {
		all = append(all, idle{id: id, lastActivity: conn.lastActivity})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastActivity.Before(all[j].lastActivity)
	})
	if n > len(all) {
		n = len(all)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = all[i].id
	}
	return ids
}

// idleConnections returns IDs of connections idle longer than d. Caller holds
// the lock.
func (r *Registry) idleConnections(d time.Duration) []string {
	cutoff := time.Now().Add(-d)
	var ids []string
	for id, conn := range r.conns {
		if conn.lastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
