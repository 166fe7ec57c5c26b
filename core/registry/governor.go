package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backstage-idp/eventcore/core/logger"
)

const (
	DefaultMonitorInterval    = 30 * time.Second
	DefaultStaleSweepInterval = time.Minute
	DefaultConnectionTimeout  = 5 * time.Minute
	DefaultWarningThreshold   = 0.7
	DefaultCriticalThreshold  = 0.9

	// emergencyEvictFraction of the least-recently-active connections is
	// evicted during emergency cleanup.
	emergencyEvictFraction = 10
)

// MemoryStats is a point-in-time snapshot of the governor's view of resource
// usage.
type MemoryStats struct {
	HeapUsageRatio float64 // HeapAlloc / HeapSys
	HeapAllocBytes uint64
	Connections    int
	BacklogEvents  int // Events held across per-connection backlogs
	SuspectedLeaks int // Connections idle more than twice the connection timeout
}

// BacklogClearer empties externally-owned backlogs during emergency cleanup.
// Implemented by the broadcast broker for its room backlogs.
type BacklogClearer interface {
	ClearBacklogs() int
}

// RoomOptimizer drops derivable empty state during optimization passes.
// Implemented by the broadcast broker for empty rooms.
type RoomOptimizer interface {
	DropEmptyRooms() int
}

// Governor samples memory on a fixed interval and reacts to pressure with
// emergency cleanup and optimization, and separately evicts stale
// connections. All actions funnel through Registry.Unregister so index
// cleanup and unregister hooks always run.
type Governor struct {
	registry  *Registry
	clearer   BacklogClearer
	optimizer RoomOptimizer

	monitorInterval   time.Duration
	staleInterval     time.Duration
	connectionTimeout time.Duration
	warningThreshold  float64
	criticalThreshold float64
	logger            *slog.Logger

	// State management
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// heapRatio caches the last sampled heap usage as float64 bits so
	// UnderPressure stays a cheap atomic read on the publish path.
	heapRatio atomic.Uint64

	// Observability metrics
	emergencies   atomic.Int64
	optimizations atomic.Int64
	staleEvicted  atomic.Int64
}

// GovernorStats provides observability metrics for monitoring and debugging.
type GovernorStats struct {
	Emergencies   int64 // Total emergency cleanups triggered
	Optimizations int64 // Total optimization passes triggered
	StaleEvicted  int64 // Total connections evicted by the stale sweep
	IsRunning     bool
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithMonitorInterval sets how often memory is sampled.
func WithMonitorInterval(d time.Duration) GovernorOption {
	return func(g *Governor) {
		if d > 0 {
			g.monitorInterval = d
		}
	}
}

// WithStaleSweepInterval sets how often the stale-connection sweep runs.
func WithStaleSweepInterval(d time.Duration) GovernorOption {
	return func(g *Governor) {
		if d > 0 {
			g.staleInterval = d
		}
	}
}

// WithConnectionTimeout sets the idle duration after which a connection is
// considered stale and evicted.
func WithConnectionTimeout(d time.Duration) GovernorOption {
	return func(g *Governor) {
		if d > 0 {
			g.connectionTimeout = d
		}
	}
}

// WithMemoryThresholds sets the heap usage ratios that trigger optimization
// (warning) and emergency cleanup (critical).
func WithMemoryThresholds(warning, critical float64) GovernorOption {
	return func(g *Governor) {
		if warning > 0 && warning < 1 {
			g.warningThreshold = warning
		}
		if critical > 0 && critical <= 1 {
			g.criticalThreshold = critical
		}
	}
}

// WithBacklogClearer registers the room-backlog clearer used during
// emergency cleanup.
func WithBacklogClearer(clearer BacklogClearer) GovernorOption {
	return func(g *Governor) {
		g.clearer = clearer
	}
}

// WithRoomOptimizer registers the empty-room dropper used during
// optimization.
func WithRoomOptimizer(optimizer RoomOptimizer) GovernorOption {
	return func(g *Governor) {
		g.optimizer = optimizer
	}
}

// WithGovernorLogger sets the logger for internal operations.
func WithGovernorLogger(logger *slog.Logger) GovernorOption {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGovernor creates a resource governor over the given registry.
func NewGovernor(reg *Registry, opts ...GovernorOption) *Governor {
	g := &Governor{
		registry:          reg,
		monitorInterval:   DefaultMonitorInterval,
		staleInterval:     DefaultStaleSweepInterval,
		connectionTimeout: DefaultConnectionTimeout,
		warningThreshold:  DefaultWarningThreshold,
		criticalThreshold: DefaultCriticalThreshold,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SampleMemory returns the current resource snapshot and refreshes the
// cached heap ratio consulted by UnderPressure.
func (g *Governor) SampleMemory() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	ratio := 0.0
	if m.HeapSys > 0 {
		ratio = float64(m.HeapAlloc) / float64(m.HeapSys)
	}
	g.heapRatio.Store(math.Float64bits(ratio))

	g.registry.mu.RLock()
	connections := len(g.registry.conns)
	backlog := g.registry.backlogTotal()
	leaks := len(g.registry.idleConnections(2 * g.connectionTimeout))
	g.registry.mu.RUnlock()

	return MemoryStats{
		HeapUsageRatio: ratio,
		HeapAllocBytes: m.HeapAlloc,
		Connections:    connections,
		BacklogEvents:  backlog,
		SuspectedLeaks: leaks,
	}
}

// UnderPressure reports whether the last sampled heap usage is at or above
// the critical threshold. It reads the ratio cached by the monitor tick (or
// an explicit SampleMemory call) rather than re-sampling, so callers on hot
// paths never pay for runtime.ReadMemStats.
func (g *Governor) UnderPressure() bool {
	return math.Float64frombits(g.heapRatio.Load()) >= g.criticalThreshold
}

// EmergencyCleanup clears all room and per-connection backlogs, then evicts
// the least-recently-active tenth of connections. Best-effort; exported so
// tests and operators can trigger it directly.
func (g *Governor) EmergencyCleanup() {
	g.emergencies.Add(1)

	roomsCleared := 0
	if g.clearer != nil {
		roomsCleared = g.clearer.ClearBacklogs()
	}

	g.registry.mu.Lock()
	connCleared := g.registry.clearBacklogs()
	evictCount := len(g.registry.conns) / emergencyEvictFraction
	if evictCount == 0 && len(g.registry.conns) > 0 {
		evictCount = 1
	}
	victims := g.registry.oldestConnections(evictCount)
	g.registry.mu.Unlock()

	for _, id := range victims {
		g.registry.Unregister(id)
	}
	g.registry.evicted.Add(int64(len(victims)))

	g.logger.Warn("emergency cleanup completed",
		slog.Int("room_backlog_cleared", roomsCleared),
		slog.Int("connection_backlog_cleared", connCleared),
		slog.Int("connections_evicted", len(victims)))
}

// Optimize drops empty rooms and truncates oversized per-connection backlogs
// to half their cap. Triggered at the warning threshold.
func (g *Governor) Optimize() {
	g.optimizations.Add(1)

	roomsDropped := 0
	if g.optimizer != nil {
		roomsDropped = g.optimizer.DropEmptyRooms()
	}

	g.registry.mu.Lock()
	trimmed := g.registry.truncateBacklogs(g.registry.backlogCap / 2)
	g.registry.mu.Unlock()

	g.logger.Info("memory optimization completed",
		slog.Int("rooms_dropped", roomsDropped),
		slog.Int("backlog_trimmed", trimmed))
}

// SweepStale evicts connections idle beyond the connection timeout. Runs on
// its own interval, independent of memory pressure.
func (g *Governor) SweepStale() int {
	g.registry.mu.RLock()
	stale := g.registry.idleConnections(g.connectionTimeout)
	g.registry.mu.RUnlock()

	for _, id := range stale {
		g.registry.Unregister(id)
	}
	if len(stale) > 0 {
		g.registry.evicted.Add(int64(len(stale)))
		g.staleEvicted.Add(int64(len(stale)))
		g.logger.Info("stale connections evicted", logger.Count("count", len(stale)))
	}
	return len(stale)
}

// checkPressure samples memory and reacts per thresholds.
func (g *Governor) checkPressure() {
	stats := g.SampleMemory()
	switch {
	case stats.HeapUsageRatio >= g.criticalThreshold:
		g.logger.Warn("critical memory pressure",
			slog.Float64("heap_usage", stats.HeapUsageRatio),
			slog.Int("connections", stats.Connections))
		g.EmergencyCleanup()
	case stats.HeapUsageRatio >= g.warningThreshold:
		g.Optimize()
	}
}

// Start begins the monitoring and stale-sweep loops. Blocking; use Run() for
// errgroup pattern or call this in a goroutine.
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return fmt.Errorf("governor already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	g.logger.InfoContext(g.ctx, "resource governor started",
		logger.Component("governor"),
		slog.Duration("monitor_interval", g.monitorInterval),
		slog.Duration("stale_interval", g.staleInterval),
		slog.Float64("warning_threshold", g.warningThreshold),
		slog.Float64("critical_threshold", g.criticalThreshold))

	monitor := time.NewTicker(g.monitorInterval)
	defer monitor.Stop()
	stale := time.NewTicker(g.staleInterval)
	defer stale.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return g.ctx.Err()
		case <-monitor.C:
			g.runTracked(g.checkPressure)
		case <-stale.C:
			g.runTracked(func() { g.SweepStale() })
		}
	}
}

// Stop cancels the governor loops and waits for in-flight sweeps.
func (g *Governor) Stop() error {
	g.mu.Lock()
	if g.cancel == nil {
		g.mu.Unlock()
		return fmt.Errorf("governor not started")
	}
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()

	cancel()
	g.wg.Wait()
	return nil
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (g *Governor) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- g.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = g.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (g *Governor) runTracked(fn func()) {
	g.wg.Add(1)
	defer g.wg.Done()
	fn()
}

// Stats returns current governor counters.
func (g *Governor) Stats() GovernorStats {
	g.mu.Lock()
	isRunning := g.cancel != nil
	g.mu.Unlock()

	return GovernorStats{
		Emergencies:   g.emergencies.Load(),
		Optimizations: g.optimizations.Load(),
		StaleEvicted:  g.staleEvicted.Load(),
		IsRunning:     isRunning,
	}
}
