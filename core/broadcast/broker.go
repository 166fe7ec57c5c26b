package broadcast

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backstage-idp/eventcore/core/logger"
)

// ErrNoSender is returned by placeholder senders when no transport is
// attached; the broker treats it like any send failure and falls back to the
// connection backlog.
var ErrNoSender = errors.New("no transport sender attached")

const (
	// DefaultRoomBacklogCap bounds each room's backlog; the oldest event is
	// dropped when a new one arrives at capacity.
	DefaultRoomBacklogCap = 100

	// DefaultEventMaxAge bounds how long a backlog retains an event. Over-age
	// entries are evicted on publish and before replay, so a first subscriber
	// never receives arbitrarily stale events.
	DefaultEventMaxAge = 5 * time.Minute
)

// Sender delivers an event to a single live connection. Supplied by the
// transport layer; implementations must not block indefinitely.
type Sender interface {
	Send(connectionID string, evt Event) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(connectionID string, evt Event) error

func (f SenderFunc) Send(connectionID string, evt Event) error { return f(connectionID, evt) }

// BacklogSink receives events that could not be delivered to a live
// connection. The connection registry implements this with its bounded
// per-connection backlog.
type BacklogSink interface {
	EnqueueBacklog(connectionID string, evt Event) bool
}

// room tracks membership, the room-level filter, and the backlog retained
// while the room has no live subscribers.
type room struct {
	members map[string]struct{}
	filter  *Filter
	backlog []Event
}

// pruneExpired drops backlog entries older than cutoff and returns how many
// were evicted. The backlog is in publish order, so expired entries are
// contiguous at the head.
func (r *room) pruneExpired(cutoff time.Time) int {
	n := 0
	for n < len(r.backlog) && r.backlog[n].Timestamp.Before(cutoff) {
		n++
	}
	if n > 0 {
		r.backlog = append([]Event(nil), r.backlog[n:]...)
	}
	return n
}

// Broker owns all rooms and their backlogs. It is the only component that
// mutates the room map.
type Broker struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	sender Sender
	sink   BacklogSink

	backlogCap int
	maxAge     time.Duration
	logger     *slog.Logger

	// Observability metrics
	published atomic.Int64
	delivered atomic.Int64
	queued    atomic.Int64
	dropped   atomic.Int64
	expired   atomic.Int64
}

// BrokerStats provides observability metrics for monitoring and debugging.
type BrokerStats struct {
	Rooms       int   // Current number of rooms (live or backlog-holding)
	BacklogSize int   // Total events queued across all room backlogs
	Published   int64 // Total events accepted by Publish
	Delivered   int64 // Total per-connection live deliveries
	Queued      int64 // Total events appended to room backlogs
	Dropped     int64 // Total events evicted from full backlogs
	Expired     int64 // Total backlog events evicted by the event max age
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithRoomBacklogCap sets the per-room backlog capacity.
func WithRoomBacklogCap(cap int) BrokerOption {
	return func(b *Broker) {
		if cap > 0 {
			b.backlogCap = cap
		}
	}
}

// WithEventMaxAge bounds how long backlog events stay replayable.
func WithEventMaxAge(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.maxAge = d
		}
	}
}

// WithBacklogSink sets the fallback sink for failed per-connection sends.
func WithBacklogSink(sink BacklogSink) BrokerOption {
	return func(b *Broker) {
		b.sink = sink
	}
}

// WithBrokerLogger sets the logger for internal operations.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates a broadcast broker delivering through sender.
func NewBroker(sender Sender, opts ...BrokerOption) *Broker {
	b := &Broker{
		rooms:      make(map[string]*room),
		sender:     sender,
		backlogCap: DefaultRoomBacklogCap,
		maxAge:     DefaultEventMaxAge,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe joins the connection to the room, storing the filter for the room
// when one is given. If the room had zero subscribers before this call, any
// queued backlog is replayed to this connection only, in publish order, and
// the backlog is emptied. Returns the number of replayed events.
func (b *Broker) Subscribe(connectionID, roomName string, filter *Filter) int {
	b.mu.Lock()

	r, exists := b.rooms[roomName]
	if !exists {
		r = &room{members: make(map[string]struct{})}
		b.rooms[roomName] = r
	}
	if filter != nil {
		r.filter = filter
	}

	firstSubscriber := len(r.members) == 0
	r.members[connectionID] = struct{}{}

	// Age out stale backlog before replay so a late first subscriber only
	// sees events still within the max-age window.
	if b.maxAge > 0 {
		b.expired.Add(int64(r.pruneExpired(time.Now().Add(-b.maxAge))))
	}

	var replay []Event
	if firstSubscriber && len(r.backlog) > 0 {
		replay = r.backlog
		r.backlog = nil
	}
	b.mu.Unlock()

	// Replay outside the lock; the sender may call back into the transport.
	for _, evt := range replay {
		b.deliver(connectionID, evt)
	}

	b.logger.Debug("connection subscribed",
		logger.ConnectionID(connectionID),
		logger.Room(roomName),
		slog.Int("replayed", len(replay)))

	return len(replay)
}

// Unsubscribe removes the connection from the room. No backlog side effects.
func (b *Broker) Unsubscribe(connectionID, roomName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, exists := b.rooms[roomName]; exists {
		delete(r.members, connectionID)
	}
}

// RemoveConnection drops the connection from every room. Called by the core
// when a connection unregisters.
func (b *Broker) RemoveConnection(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.rooms {
		delete(r.members, connectionID)
	}
}

// Publish validates the event and fans it out to its target rooms. Rooms with
// a non-matching filter are skipped; rooms with no live members queue the
// event in their bounded backlog; rooms with members receive it immediately.
func (b *Broker) Publish(evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	b.published.Add(1)

	type liveTarget struct {
		members []string
	}
	var targets []liveTarget

	cutoff := time.Now().Add(-b.maxAge)
	b.mu.Lock()
	for _, roomName := range evt.Rooms() {
		r, exists := b.rooms[roomName]
		if !exists {
			r = &room{members: make(map[string]struct{})}
			b.rooms[roomName] = r
		}
		if !r.filter.Allows(evt) {
			continue
		}
		if len(r.members) == 0 {
			if b.maxAge > 0 {
				b.expired.Add(int64(r.pruneExpired(cutoff)))
			}
			if len(r.backlog) >= b.backlogCap {
				r.backlog = r.backlog[1:]
				b.dropped.Add(1)
			}
			r.backlog = append(r.backlog, evt)
			b.queued.Add(1)
			continue
		}
		members := make([]string, 0, len(r.members))
		for id := range r.members {
			members = append(members, id)
		}
		targets = append(targets, liveTarget{members: members})
	}
	b.mu.Unlock()

	// Sends happen outside the lock so a slow transport cannot serialize
	// publishers behind it. Per-room ordering still holds: Publish calls for
	// one room are ordered by the callers of Publish itself.
	seen := make(map[string]struct{})
	for _, target := range targets {
		for _, id := range target.members {
			// A connection in several target rooms gets the event once.
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			b.deliver(id, evt)
		}
	}
	return nil
}

func (b *Broker) deliver(connectionID string, evt Event) {
	if err := b.sender.Send(connectionID, evt); err != nil {
		if b.sink != nil && b.sink.EnqueueBacklog(connectionID, evt) {
			b.queued.Add(1)
			return
		}
		b.dropped.Add(1)
		b.logger.Debug("event dropped for connection",
			logger.ConnectionID(connectionID),
			slog.String("event_id", evt.ID),
			logger.Error(err))
		return
	}
	b.delivered.Add(1)
}

// ClearBacklogs empties every room backlog and returns the number of events
// discarded. Invoked by the resource governor under critical memory pressure.
func (b *Broker) ClearBacklogs() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cleared := 0
	for _, r := range b.rooms {
		cleared += len(r.backlog)
		r.backlog = nil
	}
	if cleared > 0 {
		b.dropped.Add(int64(cleared))
	}
	return cleared
}

// DropEmptyRooms removes rooms with neither members nor backlog and returns
// how many were removed. Invoked by the resource governor's optimization
// pass; rooms are derived state, so dropping them is always safe.
func (b *Broker) DropEmptyRooms() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for name, r := range b.rooms {
		if len(r.members) == 0 && len(r.backlog) == 0 {
			delete(b.rooms, name)
			removed++
		}
	}
	return removed
}

// BacklogLen returns the current backlog size of one room.
func (b *Broker) BacklogLen(roomName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if r, exists := b.rooms[roomName]; exists {
		return len(r.backlog)
	}
	return 0
}

// Stats returns current broker counters.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	roomCount := len(b.rooms)
	backlogSize := 0
	for _, r := range b.rooms {
		backlogSize += len(r.backlog)
	}
	b.mu.RUnlock()

	return BrokerStats{
		Rooms:       roomCount,
		BacklogSize: backlogSize,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Queued:      b.queued.Load(),
		Dropped:     b.dropped.Load(),
		Expired:     b.expired.Load(),
	}
}
