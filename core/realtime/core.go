package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/backstage-idp/eventcore/core/broadcast"
	"github.com/backstage-idp/eventcore/core/delivery"
	"github.com/backstage-idp/eventcore/core/logger"
	"github.com/backstage-idp/eventcore/core/registry"
	"github.com/backstage-idp/eventcore/pkg/ratelimiter"
)

// Config holds the tunables of every owned component with environment
// variable mapping. Zero values fall back to component defaults.
type Config struct {
	MaxConnections       int           `env:"EVENTCORE_MAX_CONNECTIONS" envDefault:"10000"`
	MaxTenantConnections int           `env:"EVENTCORE_MAX_TENANT_CONNECTIONS" envDefault:"1000"`
	MaxUserConnections   int           `env:"EVENTCORE_MAX_USER_CONNECTIONS" envDefault:"10"`
	ConnectionBacklogCap int           `env:"EVENTCORE_CONNECTION_BACKLOG_CAP" envDefault:"50"`
	RoomBacklogCap       int           `env:"EVENTCORE_ROOM_BACKLOG_CAP" envDefault:"100"`
	EventMaxAge          time.Duration `env:"EVENTCORE_EVENT_MAX_AGE" envDefault:"5m"`
	MonitorInterval      time.Duration `env:"EVENTCORE_MONITOR_INTERVAL" envDefault:"30s"`
	StaleSweepInterval   time.Duration `env:"EVENTCORE_STALE_SWEEP_INTERVAL" envDefault:"1m"`
	ConnectionTimeout    time.Duration `env:"EVENTCORE_CONNECTION_TIMEOUT" envDefault:"5m"`
	MemoryWarning        float64       `env:"EVENTCORE_MEMORY_WARNING" envDefault:"0.7"`
	MemoryCritical       float64       `env:"EVENTCORE_MEMORY_CRITICAL" envDefault:"0.9"`
	DeliveryQueueCap     int           `env:"EVENTCORE_DELIVERY_QUEUE_CAP" envDefault:"1000"`
	DeliveryFlush        time.Duration `env:"EVENTCORE_DELIVERY_FLUSH_INTERVAL" envDefault:"1s"`
}

// Core owns all components and is the single entry point for publishing.
type Core struct {
	registry *registry.Registry
	governor *registry.Governor
	broker   *broadcast.Broker
	engine   *delivery.Engine
	limiter  *ratelimiter.Limiter

	// memStore is set only when the Core created its own limiter store, so
	// its sweep lifecycle runs with the Core.
	memStore *ratelimiter.MemoryStore
	logger   *slog.Logger

	shed atomic.Int64
}

// CoreStats aggregates the snapshot stats of every owned component.
type CoreStats struct {
	Registry registry.RegistryStats
	Governor registry.GovernorStats
	Broker   broadcast.BrokerStats
	Delivery delivery.EngineStats
	Limiter  ratelimiter.LimiterStats
	Shed     int64 // Publishes dropped under critical memory pressure
}

type coreOptions struct {
	sender           broadcast.Sender
	limiterStore     ratelimiter.Store
	destinationStore delivery.DestinationStore
	logger           *slog.Logger
}

// Option configures a Core.
type Option func(*coreOptions)

// WithSender attaches the transport that delivers events to live
// connections. Without one, every live delivery falls back to the
// per-connection backlog.
func WithSender(sender broadcast.Sender) Option {
	return func(o *coreOptions) {
		if sender != nil {
			o.sender = sender
		}
	}
}

// WithLimiterStore replaces the default in-memory rate limiter store, e.g.
// with the Redis store for multi-instance deployments.
func WithLimiterStore(store ratelimiter.Store) Option {
	return func(o *coreOptions) {
		if store != nil {
			o.limiterStore = store
		}
	}
}

// WithDestinationStore enables write-behind persistence of webhook
// destination configs.
func WithDestinationStore(store delivery.DestinationStore) Option {
	return func(o *coreOptions) {
		o.destinationStore = store
	}
}

// WithLogger sets the logger shared by all owned components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *coreOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds a fully wired Core from cfg. Options override config where both
// apply.
func New(cfg Config, opts ...Option) *Core {
	o := coreOptions{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{logger: o.logger}

	if o.limiterStore == nil {
		c.memStore = ratelimiter.NewMemoryStore(
			ratelimiter.WithMemoryStoreLogger(o.logger))
		o.limiterStore = c.memStore
	}
	c.limiter = ratelimiter.New(o.limiterStore, ratelimiter.WithLogger(o.logger))

	c.registry = registry.New(
		registry.WithMaxConnections(cfg.MaxConnections),
		registry.WithMaxTenantConnections(cfg.MaxTenantConnections),
		registry.WithMaxUserConnections(cfg.MaxUserConnections),
		registry.WithConnectionBacklogCap(cfg.ConnectionBacklogCap),
		registry.WithBacklogMaxAge(cfg.EventMaxAge),
		registry.WithRegistryLogger(o.logger),
		// Room membership must not outlive the connection, whether it left
		// explicitly or was evicted by the governor.
		registry.WithUnregisterHook(func(connectionID string) {
			c.broker.RemoveConnection(connectionID)
		}),
	)

	sender := o.sender
	if sender == nil {
		sender = broadcast.SenderFunc(func(string, broadcast.Event) error {
			return broadcast.ErrNoSender
		})
	}
	c.broker = broadcast.NewBroker(sender,
		broadcast.WithRoomBacklogCap(cfg.RoomBacklogCap),
		broadcast.WithEventMaxAge(cfg.EventMaxAge),
		broadcast.WithBacklogSink(c.registry),
		broadcast.WithBrokerLogger(o.logger),
	)

	c.governor = registry.NewGovernor(c.registry,
		registry.WithMonitorInterval(cfg.MonitorInterval),
		registry.WithStaleSweepInterval(cfg.StaleSweepInterval),
		registry.WithConnectionTimeout(cfg.ConnectionTimeout),
		registry.WithMemoryThresholds(cfg.MemoryWarning, cfg.MemoryCritical),
		registry.WithBacklogClearer(c.broker),
		registry.WithRoomOptimizer(c.broker),
		registry.WithGovernorLogger(o.logger),
	)

	engineOpts := []delivery.EngineOption{
		delivery.WithQueueCap(cfg.DeliveryQueueCap),
		delivery.WithFlushInterval(cfg.DeliveryFlush),
		delivery.WithPressureFunc(c.governor.UnderPressure),
		delivery.WithEngineLogger(o.logger),
	}
	if o.destinationStore != nil {
		engineOpts = append(engineOpts, delivery.WithDestinationStore(o.destinationStore))
	}
	c.engine = delivery.NewEngine(c.limiter, engineOpts...)

	return c
}

// Publish is the single entry point for events. Under critical memory
// pressure the event is shed and nil returned; invalid events return an
// error; otherwise the event fans out to room subscribers and matching
// webhook destinations.
func (c *Core) Publish(ctx context.Context, evt broadcast.Event) error {
	if c.governor.UnderPressure() {
		c.shed.Add(1)
		c.logger.WarnContext(ctx, "publish shed under memory pressure",
			logger.EventType(evt.Type))
		return nil
	}

	if err := c.broker.Publish(evt); err != nil {
		return err
	}
	c.engine.Dispatch(ctx, evt.Type, evt)
	return nil
}

// RegisterConnection admits a connection. Returns false when a capacity cap
// denies admission.
func (c *Core) RegisterConnection(connectionID, userID, tenantID string) bool {
	return c.registry.Register(connectionID, userID, tenantID)
}

// UnregisterConnection removes a connection and its room memberships.
func (c *Core) UnregisterConnection(connectionID string) {
	c.registry.Unregister(connectionID)
}

// Touch records connection activity.
func (c *Core) Touch(connectionID string) {
	c.registry.Touch(connectionID)
}

// Subscribe joins a connection to a room; returns the number of backlog
// events replayed to it.
func (c *Core) Subscribe(connectionID, roomName string, filter *broadcast.Filter) int {
	return c.broker.Subscribe(connectionID, roomName, filter)
}

// Unsubscribe removes a connection from a room.
func (c *Core) Unsubscribe(connectionID, roomName string) {
	c.broker.Unsubscribe(connectionID, roomName)
}

// DrainBacklog removes and returns the connection's queued events in order.
func (c *Core) DrainBacklog(connectionID string) []broadcast.Event {
	return c.registry.DrainBacklog(connectionID)
}

// CheckLimit evaluates a rate limit rule for key.
func (c *Core) CheckLimit(ctx context.Context, key string, rule ratelimiter.Rule) (ratelimiter.Result, error) {
	return c.limiter.Check(ctx, key, rule)
}

// ReportOutcome reports an attempt outcome for rules with skip flags.
func (c *Core) ReportOutcome(ctx context.Context, key string, rule ratelimiter.Rule, success bool) error {
	return c.limiter.ReportOutcome(ctx, key, rule, success)
}

// RegisterDestination adds a webhook destination.
func (c *Core) RegisterDestination(ctx context.Context, dest delivery.Destination) (string, error) {
	return c.engine.RegisterDestination(ctx, dest)
}

// UpdateDestination applies a partial webhook destination update.
func (c *Core) UpdateDestination(ctx context.Context, id string, update delivery.DestinationUpdate) error {
	return c.engine.UpdateDestination(ctx, id, update)
}

// RemoveDestination deletes a webhook destination.
func (c *Core) RemoveDestination(ctx context.Context, id string) error {
	return c.engine.RemoveDestination(ctx, id)
}

// ListDestinations snapshots all webhook destinations.
func (c *Core) ListDestinations() []delivery.Destination {
	return c.engine.ListDestinations()
}

// LoadDestinations restores persisted webhook destinations. Called once at
// startup when a destination store is configured.
func (c *Core) LoadDestinations(ctx context.Context) error {
	return c.engine.LoadDestinations(ctx)
}

// DeliveryHistory returns a destination's recent attempt history.
func (c *Core) DeliveryHistory(destinationID string) []delivery.AttemptResult {
	return c.engine.History(destinationID)
}

// SampleMemory returns the governor's current resource snapshot.
func (c *Core) SampleMemory() registry.MemoryStats {
	return c.governor.SampleMemory()
}

// Run composes every owned background component for errgroup use:
//
//	g.Go(core.Run(ctx))
func (c *Core) Run(ctx context.Context) func() error {
	return func() error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(c.governor.Run(ctx))
		g.Go(c.engine.Run(ctx))
		if c.memStore != nil {
			g.Go(c.memStore.Run(ctx))
		}
		return g.Wait()
	}
}

// Stats aggregates every component's snapshot counters.
func (c *Core) Stats() CoreStats {
	return CoreStats{
		Registry: c.registry.Stats(),
		Governor: c.governor.Stats(),
		Broker:   c.broker.Stats(),
		Delivery: c.engine.Stats(),
		Limiter:  c.limiter.Stats(),
		Shed:     c.shed.Load(),
	}
}
