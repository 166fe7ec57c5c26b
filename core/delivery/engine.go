package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/backstage-idp/eventcore/core/logger"
	"github.com/backstage-idp/eventcore/pkg/ratelimiter"
	"github.com/backstage-idp/eventcore/pkg/webhook"
)

const (
	DefaultQueueCap      = 1000
	DefaultHistoryCap    = 50
	DefaultFlushInterval = time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// QueuedEvent is one pending delivery to one destination.
type QueuedEvent struct {
	ID            string
	DestinationID string
	Type          string
	Body          []byte // marshaled JSON payload
	Signature     string // "sha256=<hex>", empty when the destination has no secret
	Timestamp     time.Time
	RetryCount    int
}

// AttemptResult records the outcome of a single delivery attempt.
type AttemptResult struct {
	EventID    string
	Success    bool
	StatusCode int
	Error      string
	Duration   time.Duration
	RetryAfter time.Duration
	At         time.Time
}

// DestinationStats aggregates a destination's bounded attempt history.
type DestinationStats struct {
	Attempts        int
	Successes       int
	Failures        int
	AverageDuration time.Duration
	LastAttempt     time.Time
}

// PressureFunc reports memory pressure; under pressure dispatch sheds load
// instead of queuing. Wired to the resource governor by the core.
type PressureFunc func() bool

// Engine owns the destination map, the global delivery queue and the
// per-destination attempt histories. No other component mutates them.
type Engine struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
	queue        []*QueuedEvent // index 0 is the head; retries re-enter here
	history      map[string][]AttemptResult

	sender   *webhook.Sender
	limiter  *ratelimiter.Limiter
	backoff  webhook.Backoff
	pressure PressureFunc
	store    DestinationStore

	queueCap      int
	historyCap    int
	flushInterval time.Duration
	probeTimeout  time.Duration
	logger        *slog.Logger

	// State management
	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	draining    atomic.Bool

	// Observability metrics
	dispatched  atomic.Int64
	delivered   atomic.Int64
	retried     atomic.Int64
	expired     atomic.Int64
	rateLimited atomic.Int64
	shed        atomic.Int64
}

// EngineStats provides observability metrics for monitoring and debugging.
type EngineStats struct {
	Destinations int   // Registered destinations
	QueueDepth   int   // Events currently queued
	Dispatched   int64 // Events accepted into the queue
	Delivered    int64 // Successful deliveries
	Retried      int64 // Retry attempts scheduled
	Expired      int64 // Events dropped after exhausting retries
	RateLimited  int64 // Events dropped by per-destination rate limits
	Shed         int64 // Events dropped under memory pressure
	IsRunning    bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithQueueCap bounds the global delivery queue.
func WithQueueCap(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.queueCap = n
		}
	}
}

// WithHistoryCap bounds each destination's attempt history.
func WithHistoryCap(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.historyCap = n
		}
	}
}

// WithFlushInterval sets how often the queue is drained.
func WithFlushInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.flushInterval = d
		}
	}
}

// WithProbeTimeout sets the reachability probe timeout used at registration.
func WithProbeTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.probeTimeout = d
		}
	}
}

// WithBackoff replaces the retry backoff policy.
func WithBackoff(b webhook.Backoff) EngineOption {
	return func(e *Engine) {
		e.backoff = b
	}
}

// WithSender replaces the HTTP sender.
func WithSender(s *webhook.Sender) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.sender = s
		}
	}
}

// WithPressureFunc wires the memory-pressure signal used for load shedding.
func WithPressureFunc(fn PressureFunc) EngineOption {
	return func(e *Engine) {
		e.pressure = fn
	}
}

// WithDestinationStore enables write-behind persistence of destination
// configs.
func WithDestinationStore(store DestinationStore) EngineOption {
	return func(e *Engine) {
		e.store = store
	}
}

// WithEngineLogger sets the logger for internal operations.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a delivery engine. The limiter enforces per-destination
// rate specs and may be shared with other components.
func NewEngine(limiter *ratelimiter.Limiter, opts ...EngineOption) *Engine {
	e := &Engine{
		destinations:  make(map[string]*Destination),
		history:       make(map[string][]AttemptResult),
		sender:        webhook.NewSender(),
		limiter:       limiter,
		backoff:       webhook.DefaultBackoff,
		queueCap:      DefaultQueueCap,
		historyCap:    DefaultHistoryCap,
		flushInterval: DefaultFlushInterval,
		probeTimeout:  DefaultProbeTimeout,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterDestination validates the config, probes the endpoint and stores
// the destination. Returns the assigned ID. Validation and probe failures
// surface synchronously; this is the boundary error path.
func (e *Engine) RegisterDestination(ctx context.Context, dest Destination) (string, error) {
	if err := dest.validate(); err != nil {
		return "", err
	}
	if err := e.sender.Probe(ctx, dest.URL, e.probeTimeout); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}

	dest.normalize()
	dest.ID = uuid.NewString()
	dest.Active = true
	dest.CreatedAt = time.Now()

	e.mu.Lock()
	e.destinations[dest.ID] = &dest
	e.mu.Unlock()

	e.persist(ctx, dest)
	e.logger.InfoContext(ctx, "webhook destination registered",
		logger.DestinationID(dest.ID),
		slog.String("url", dest.URL))
	return dest.ID, nil
}

// UpdateDestination applies a partial update. A changed URL is re-validated
// and re-probed.
func (e *Engine) UpdateDestination(ctx context.Context, id string, update DestinationUpdate) error {
	e.mu.RLock()
	current, exists := e.destinations[id]
	if !exists {
		e.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrDestinationNotFound, id)
	}
	updated := update.apply(*current)
	e.mu.RUnlock()

	if err := updated.validate(); err != nil {
		return err
	}
	if update.URL != nil && *update.URL != current.URL {
		if err := e.sender.Probe(ctx, updated.URL, e.probeTimeout); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDestination, err)
		}
	}

	e.mu.Lock()
	if _, still := e.destinations[id]; !still {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDestinationNotFound, id)
	}
	e.destinations[id] = &updated
	e.mu.Unlock()

	e.persist(ctx, updated)
	return nil
}

// RemoveDestination deletes a destination; queued events for it are dropped
// at delivery time.
func (e *Engine) RemoveDestination(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, exists := e.destinations[id]; !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDestinationNotFound, id)
	}
	delete(e.destinations, id)
	delete(e.history, id)
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Delete(ctx, id); err != nil {
			e.logger.ErrorContext(ctx, "failed to delete persisted destination",
				logger.DestinationID(id), logger.Error(err))
		}
	}
	return nil
}

// ListDestinations returns a snapshot of all destinations.
func (e *Engine) ListDestinations() []Destination {
	e.mu.RLock()
	defer e.mu.RUnlock()

	list := make([]Destination, 0, len(e.destinations))
	for _, dest := range e.destinations {
		list = append(list, *dest)
	}
	return list
}

// LoadDestinations replaces the in-memory destination set from the
// configured store. Called once at startup.
func (e *Engine) LoadDestinations(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	destinations, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load destinations: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range destinations {
		dest := destinations[i]
		e.destinations[dest.ID] = &dest
	}
	return nil
}

// Dispatch matches the event against active destinations and enqueues one
// QueuedEvent per match. Rate-limited destinations are skipped silently;
// under memory pressure the event is shed entirely. Returns the number of
// queued deliveries.
func (e *Engine) Dispatch(ctx context.Context, eventType string, payload any) int {
	if e.pressure != nil && e.pressure() {
		e.shed.Add(1)
		e.logger.WarnContext(ctx, "event shed under memory pressure",
			logger.EventType(eventType))
		return 0
	}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to marshal event payload",
			logger.EventType(eventType), logger.Error(err))
		return 0
	}

	e.mu.RLock()
	matches := make([]*Destination, 0, len(e.destinations))
	for _, dest := range e.destinations {
		if dest.Active && dest.subscribedTo(eventType) {
			matches = append(matches, dest)
		}
	}
	e.mu.RUnlock()

	queued := 0
	now := time.Now()
	for _, dest := range matches {
		if dest.RateLimit != nil {
			rule := ratelimiter.Rule{
				MaxRequests: dest.RateLimit.MaxRequests,
				Window:      dest.RateLimit.Window,
			}
			result, err := e.limiter.Check(ctx, "webhook:"+dest.ID, rule)
			if err != nil {
				e.logger.ErrorContext(ctx, "rate limit check failed",
					logger.DestinationID(dest.ID), logger.Error(err))
			} else if !result.Allowed {
				// Limited events are dropped for this destination, not retried.
				e.rateLimited.Add(1)
				continue
			}
		}

		evt := &QueuedEvent{
			ID:            uuid.NewString(),
			DestinationID: dest.ID,
			Type:          eventType,
			Body:          body,
			Timestamp:     now,
		}
		if dest.Secret != "" {
			evt.Signature = webhook.Sign(dest.Secret, body)
		}
		e.enqueue(evt)
		queued++
	}

	if queued > 0 {
		e.dispatched.Add(int64(queued))
	}
	return queued
}

// enqueue appends at the back, evicting the head when full.
func (e *Engine) enqueue(evt *QueuedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) >= e.queueCap {
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, evt)
}

// requeueFront re-inserts a retried event at the head so redelivery runs
// ahead of new traffic. When the queue is full the newest entry is evicted,
// keeping the retry-priority trade-off consistent under saturation.
func (e *Engine) requeueFront(evt *QueuedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) >= e.queueCap {
		e.queue = e.queue[:len(e.queue)-1]
	}
	e.queue = append([]*QueuedEvent{evt}, e.queue...)
}

// Flush drains the queue once. Guarded so a new timer tick cannot start a
// second concurrent drain; the overlapping call returns immediately.
func (e *Engine) Flush(ctx context.Context) {
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer e.draining.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		evt := e.queue[0]
		e.queue = e.queue[1:]
		dest, exists := e.destinations[evt.DestinationID]
		var destCopy Destination
		if exists {
			destCopy = *dest
		}
		e.mu.Unlock()

		if !exists {
			// Destination removed while the event was queued.
			continue
		}
		e.attempt(ctx, evt, destCopy)
	}
}

// attempt performs one delivery and handles the retry/expire transition.
func (e *Engine) attempt(ctx context.Context, evt *QueuedEvent, dest Destination) {
	headers := map[string]string{
		"X-Event-Type": evt.Type,
		"X-Event-ID":   evt.ID,
		"X-Timestamp":  strconv.FormatInt(evt.Timestamp.Unix(), 10),
	}
	if evt.Signature != "" {
		headers["X-Signature-256"] = evt.Signature
	}
	for name, value := range dest.Headers {
		headers[name] = value
	}

	result := e.sender.Send(ctx, webhook.Request{
		URL:     dest.URL,
		Body:    evt.Body,
		Headers: headers,
		Timeout: dest.Timeout,
	})

	e.recordAttempt(dest.ID, AttemptResult{
		EventID:    evt.ID,
		Success:    result.Success,
		StatusCode: result.StatusCode,
		Error:      result.Error,
		Duration:   result.Duration,
		RetryAfter: result.RetryAfter,
		At:         time.Now(),
	})

	if result.Success {
		e.delivered.Add(1)
		return
	}

	evt.RetryCount++
	if evt.RetryCount >= dest.MaxRetries {
		e.expired.Add(1)
		e.logger.WarnContext(ctx, "event expired after exhausting retries",
			slog.String("event_id", evt.ID),
			logger.DestinationID(dest.ID),
			slog.Int("attempts", evt.RetryCount),
			slog.String("last_error", result.Error))
		return
	}

	delay := e.backoff.Delay(evt.RetryCount-1, result.RetryAfter)
	e.retried.Add(1)
	e.logger.DebugContext(ctx, "delivery failed, retry scheduled",
		slog.String("event_id", evt.ID),
		logger.DestinationID(dest.ID),
		logger.RetryCount(evt.RetryCount),
		slog.Duration("delay", delay))

	e.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.requeueFront(evt)
	})
}

// recordAttempt appends to the destination's bounded history.
func (e *Engine) recordAttempt(destinationID string, attempt AttemptResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	history := e.history[destinationID]
	if len(history) >= e.historyCap {
		history = history[1:]
	}
	e.history[destinationID] = append(history, attempt)
}

// History returns a copy of the destination's attempt history, oldest first.
func (e *Engine) History(destinationID string) []AttemptResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]AttemptResult(nil), e.history[destinationID]...)
}

// DestinationStats aggregates the destination's attempt history.
func (e *Engine) DestinationStats(destinationID string) (DestinationStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, exists := e.destinations[destinationID]; !exists {
		return DestinationStats{}, fmt.Errorf("%w: %s", ErrDestinationNotFound, destinationID)
	}

	stats := DestinationStats{}
	var total time.Duration
	for _, attempt := range e.history[destinationID] {
		stats.Attempts++
		if attempt.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		total += attempt.Duration
		if attempt.At.After(stats.LastAttempt) {
			stats.LastAttempt = attempt.At
		}
	}
	if stats.Attempts > 0 {
		stats.AverageDuration = total / time.Duration(stats.Attempts)
	}
	return stats, nil
}

// QueueDepth returns the number of currently queued events.
func (e *Engine) QueueDepth() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.queue)
}

// Start begins the periodic flush loop. Blocking; use Run() for errgroup
// pattern or call this in a goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if e.cancel != nil {
		e.lifecycleMu.Unlock()
		return fmt.Errorf("delivery engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.lifecycleMu.Unlock()

	e.logger.InfoContext(e.ctx, "delivery engine started",
		logger.Component("delivery"),
		slog.Duration("flush_interval", e.flushInterval))

	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-ticker.C:
			e.Flush(e.ctx)
		}
	}
}

// Stop cancels the flush loop and waits for scheduled retries to re-queue.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	if e.cancel == nil {
		e.lifecycleMu.Unlock()
		return fmt.Errorf("delivery engine not started")
	}
	cancel := e.cancel
	e.cancel = nil
	e.lifecycleMu.Unlock()

	cancel()
	e.wg.Wait()
	return nil
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (e *Engine) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- e.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = e.Stop()
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

// Stats returns current engine counters.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	destinations := len(e.destinations)
	depth := len(e.queue)
	e.mu.RUnlock()

	e.lifecycleMu.Lock()
	isRunning := e.cancel != nil
	e.lifecycleMu.Unlock()

	return EngineStats{
		Destinations: destinations,
		QueueDepth:   depth,
		Dispatched:   e.dispatched.Load(),
		Delivered:    e.delivered.Load(),
		Retried:      e.retried.Load(),
		Expired:      e.expired.Load(),
		RateLimited:  e.rateLimited.Load(),
		Shed:         e.shed.Load(),
		IsRunning:    isRunning,
	}
}

// persist write-behind saves a destination; failures are logged, not
// propagated, since the in-memory registration already succeeded.
func (e *Engine) persist(ctx context.Context, dest Destination) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, dest); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist destination",
			logger.DestinationID(dest.ID), logger.Error(err))
	}
}
