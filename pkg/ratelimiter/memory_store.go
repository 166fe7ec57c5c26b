package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// window holds the sliding-window state for one key.
type window struct {
	timestamps []time.Time
	blockUntil time.Time
	firstSeen  time.Time
	lastAccess time.Time // Used by the sweep to identify stale windows
}

// MemoryStore implements Store using in-memory storage.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string]*window

	// Configuration
	sweepInterval   time.Duration
	staleThreshold  time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	// State management
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	// Observability metrics
	windowsCreated atomic.Int64
	windowsRemoved atomic.Int64
}

// MemoryStoreStats provides observability metrics for monitoring and debugging.
type MemoryStoreStats struct {
	WindowsCreated int64 // Total number of windows created
	WindowsRemoved int64 // Total number of stale windows removed
	ActiveWindows  int   // Current number of tracked windows
	IsRunning      bool  // Whether the sweep goroutine is running
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithSweepInterval sets how often the stale-window sweep runs.
func WithSweepInterval(interval time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.sweepInterval = interval
	}
}

// WithStaleThreshold sets how long a window with no block and no activity
// survives before the sweep evicts it.
func WithStaleThreshold(threshold time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if threshold > 0 {
			ms.staleThreshold = threshold
		}
	}
}

// WithMemoryStoreShutdownTimeout sets the graceful shutdown timeout.
func WithMemoryStoreShutdownTimeout(timeout time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if timeout > 0 {
			ms.shutdownTimeout = timeout
		}
	}
}

// WithMemoryStoreLogger sets the logger for internal operations.
func WithMemoryStoreLogger(logger *slog.Logger) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if logger != nil {
			ms.logger = logger
		}
	}
}

// NewMemoryStore creates a new in-memory store.
// Call Start() to begin background sweeping of stale windows.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		windows:         make(map[string]*window),
		sweepInterval:   time.Hour,
		staleThreshold:  24 * time.Hour,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

// Take implements Store.
func (ms *MemoryStore) Take(ctx context.Context, key string, now time.Time, windowSize time.Duration) (int, time.Time, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	w, exists := ms.windows[key]
	if !exists {
		w = &window{firstSeen: now}
		ms.windows[key] = w
		ms.windowsCreated.Add(1)
	}

	// Drop timestamps that slid out of the window. Timestamps are appended
	// in order, so the retained suffix starts at the first in-window entry.
	cutoff := now.Add(-windowSize)
	kept := w.timestamps
	for len(kept) > 0 && kept[0].Before(cutoff) {
		kept = kept[1:]
	}
	w.timestamps = append(kept[:len(kept):len(kept)], now)
	w.lastAccess = now

	return len(w.timestamps), w.timestamps[0], nil
}

// Forget implements Store.
func (ms *MemoryStore) Forget(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	w, exists := ms.windows[key]
	if !exists || len(w.timestamps) == 0 {
		return nil
	}
	w.timestamps = w.timestamps[:len(w.timestamps)-1]
	return nil
}

// Block implements Store.
func (ms *MemoryStore) Block(ctx context.Context, key string, until time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	w, exists := ms.windows[key]
	if !exists {
		w = &window{firstSeen: time.Now()}
		ms.windows[key] = w
		ms.windowsCreated.Add(1)
	}
	w.blockUntil = until
	w.lastAccess = time.Now()
	return nil
}

// BlockedUntil implements Store.
func (ms *MemoryStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	w, exists := ms.windows[key]
	if !exists {
		return time.Time{}, nil
	}
	return w.blockUntil, nil
}

// Reset implements Store.
func (ms *MemoryStore) Reset(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.windows, key)
	return nil
}

// Start begins the background sweep goroutine. This is a blocking operation
// that runs until the context is cancelled. Use Run() for errgroup pattern or
// call this in a goroutine.
func (ms *MemoryStore) Start(ctx context.Context) error {
	ms.mu.Lock()
	if ms.cancel != nil {
		ms.mu.Unlock()
		return fmt.Errorf("memory store already started")
	}
	if ms.sweepInterval <= 0 {
		ms.mu.Unlock()
		return fmt.Errorf("sweep interval must be > 0, got %v (use WithSweepInterval to configure)", ms.sweepInterval)
	}
	ms.ctx, ms.cancel = context.WithCancel(ctx)
	ms.mu.Unlock()

	ms.running.Store(true)
	defer ms.running.Store(false)

	ms.logger.InfoContext(ms.ctx, "rate limit store sweep started",
		slog.Duration("sweep_interval", ms.sweepInterval),
		slog.Duration("stale_threshold", ms.staleThreshold))

	ticker := time.NewTicker(ms.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.ctx.Done():
			ms.logger.InfoContext(context.Background(), "rate limit store sweep stopping")
			return ms.ctx.Err()
		case <-ticker.C:
			ms.sweepWithWait()
		}
	}
}

// Stop gracefully shuts down the background sweep with a timeout.
func (ms *MemoryStore) Stop() error {
	ms.mu.Lock()
	if ms.cancel == nil {
		ms.mu.Unlock()
		return fmt.Errorf("memory store not started")
	}
	cancel := ms.cancel
	ms.cancel = nil
	ms.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), ms.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		ms.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout exceeded after %s", ms.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (ms *MemoryStore) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- ms.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = ms.Stop()
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

func (ms *MemoryStore) sweepWithWait() {
	ms.mu.RLock()
	if ms.cancel == nil {
		ms.mu.RUnlock()
		return
	}
	ms.wg.Add(1)
	ms.mu.RUnlock()

	defer ms.wg.Done()
	ms.Sweep()
}

// Sweep removes windows with no active block and no activity within the stale
// threshold. Exported so callers and tests can trigger eviction directly
// instead of waiting on the ticker.
func (ms *MemoryStore) Sweep() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, w := range ms.windows {
		if now.Before(w.blockUntil) {
			continue
		}
		if now.Sub(w.lastAccess) > ms.staleThreshold {
			delete(ms.windows, key)
			removed++
		}
	}
	if removed > 0 {
		ms.windowsRemoved.Add(int64(removed))
	}
}

// Stats returns current memory store statistics for observability.
func (ms *MemoryStore) Stats() MemoryStoreStats {
	ms.mu.RLock()
	isRunning := ms.cancel != nil
	active := len(ms.windows)
	ms.mu.RUnlock()

	return MemoryStoreStats{
		WindowsCreated: ms.windowsCreated.Load(),
		WindowsRemoved: ms.windowsRemoved.Load(),
		ActiveWindows:  active,
		IsRunning:      isRunning,
	}
}

// Healthcheck validates that the memory store is operational.
func (ms *MemoryStore) Healthcheck(ctx context.Context) error {
	stats := ms.Stats()
	if ms.sweepInterval > 0 && !stats.IsRunning {
		return fmt.Errorf("sweep is configured but not running")
	}
	return nil
}
