package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/backstage-idp/eventcore/core/broadcast"
	"github.com/backstage-idp/eventcore/core/logger"
)

const (
	DefaultSendBuffer    = 64
	DefaultPingInterval  = 30 * time.Second
	DefaultPongTimeout   = 60 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultMaxFrameBytes = 32 << 10
)

var (
	// ErrConnectionNotFound is returned by Send for unknown connection IDs.
	ErrConnectionNotFound = errors.New("ws connection not found")
	// ErrSendBufferFull is returned by Send when the connection's write
	// buffer is saturated; the broker treats it as a failed live delivery.
	ErrSendBufferFull = errors.New("ws send buffer full")
)

// Backend is the realtime core surface the hub drives. Implemented by
// realtime.Core.
type Backend interface {
	RegisterConnection(connectionID, userID, tenantID string) bool
	UnregisterConnection(connectionID string)
	Touch(connectionID string)
	Subscribe(connectionID, roomName string, filter *broadcast.Filter) int
	Unsubscribe(connectionID, roomName string)
	DrainBacklog(connectionID string) []broadcast.Event
}

// AuthenticateFunc extracts the caller identity from the upgrade request.
// An error rejects the upgrade with 401.
type AuthenticateFunc func(r *http.Request) (userID, tenantID string, err error)

// clientFrame is the JSON shape of frames the read loop accepts.
type clientFrame struct {
	Action string            `json:"action"`
	Room   string            `json:"room,omitempty"`
	Filter *broadcast.Filter `json:"filter,omitempty"`
}

// Hub owns all websocket connections and their write pumps.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn

	backend      atomic.Pointer[backendBox]
	authenticate AuthenticateFunc
	upgrader     websocket.Upgrader

	sendBuffer    int
	pingInterval  time.Duration
	pongTimeout   time.Duration
	writeTimeout  time.Duration
	maxFrameBytes int64
	logger        *slog.Logger

	// Observability metrics
	upgraded atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
}

// backendBox wraps the interface so it can live in an atomic.Pointer.
type backendBox struct {
	backend Backend
}

// HubStats provides observability metrics for monitoring and debugging.
type HubStats struct {
	Connections int   // Currently attached connections
	Upgraded    int64 // Total successful upgrades
	Rejected    int64 // Total upgrades denied by auth or admission
	Dropped     int64 // Total events dropped by full send buffers
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAuthenticate sets the identity extractor for upgrade requests.
func WithAuthenticate(fn AuthenticateFunc) HubOption {
	return func(h *Hub) {
		h.authenticate = fn
	}
}

// WithSendBuffer sets each connection's outbound buffer size.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithPingInterval sets the keepalive ping cadence.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithPongTimeout sets how long a connection may stay silent before the read
// loop gives up on it.
func WithPongTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pongTimeout = d
		}
	}
}

// WithWriteTimeout bounds each outbound write.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin policy.
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

// WithHubLogger sets the logger for internal operations.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates a websocket hub. Bind must be called with the realtime core
// before the handler serves traffic.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		conns:         make(map[string]*conn),
		sendBuffer:    DefaultSendBuffer,
		pingInterval:  DefaultPingInterval,
		pongTimeout:   DefaultPongTimeout,
		writeTimeout:  DefaultWriteTimeout,
		maxFrameBytes: DefaultMaxFrameBytes,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Bind attaches the realtime core. Resolves the construction cycle between
// the hub (the core's sender) and the core (the hub's backend).
func (h *Hub) Bind(backend Backend) {
	h.backend.Store(&backendBox{backend: backend})
}

func (h *Hub) getBackend() (Backend, bool) {
	box := h.backend.Load()
	if box == nil || box.backend == nil {
		return nil, false
	}
	return box.backend, true
}

// Handler returns the HTTP handler that upgrades requests into managed
// websocket connections.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend, ok := h.getBackend()
		if !ok {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		var userID, tenantID string
		if h.authenticate != nil {
			var err error
			userID, tenantID, err = h.authenticate(r)
			if err != nil {
				h.rejected.Add(1)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		sock, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			h.rejected.Add(1)
			return
		}

		connectionID := uuid.NewString()
		if !backend.RegisterConnection(connectionID, userID, tenantID) {
			h.rejected.Add(1)
			deadline := time.Now().Add(h.writeTimeout)
			_ = sock.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached"),
				deadline)
			_ = sock.Close()
			return
		}

		c := newConn(connectionID, sock, h.sendBuffer)
		h.mu.Lock()
		h.conns[connectionID] = c
		h.mu.Unlock()
		h.upgraded.Add(1)

		h.logger.Info("websocket connection established",
			logger.ConnectionID(connectionID),
			logger.UserID(userID),
			logger.TenantID(tenantID))

		go h.writePump(c)
		go h.readLoop(c, backend)
	})
}

// Send implements broadcast.Sender. A saturated buffer fails the send so the
// caller can fall back to the connection backlog.
func (h *Hub) Send(connectionID string, evt broadcast.Event) error {
	h.mu.RLock()
	c, exists := h.conns[connectionID]
	h.mu.RUnlock()
	if !exists {
		return ErrConnectionNotFound
	}

	select {
	case c.send <- evt:
		return nil
	case <-c.closed:
		return ErrConnectionNotFound
	default:
		h.dropped.Add(1)
		return ErrSendBufferFull
	}
}

// readLoop consumes client frames until the connection errors or closes.
func (h *Hub) readLoop(c *conn, backend Backend) {
	defer func() {
		backend.UnregisterConnection(c.id)
		h.detach(c)
	}()

	c.sock.SetReadLimit(h.maxFrameBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(h.pongTimeout))
	c.sock.SetPongHandler(func(string) error {
		backend.Touch(c.id)
		return c.sock.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})

	for {
		var frame clientFrame
		if err := c.sock.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read failed",
					logger.ConnectionID(c.id),
					logger.Error(err))
			}
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(h.pongTimeout))
		backend.Touch(c.id)

		switch frame.Action {
		case "subscribe":
			if frame.Room == "" {
				continue
			}
			backend.Subscribe(c.id, frame.Room, frame.Filter)
			h.flushBacklog(c, backend)
		case "unsubscribe":
			if frame.Room == "" {
				continue
			}
			backend.Unsubscribe(c.id, frame.Room)
		case "ping":
			// Touch above is the whole point of the frame.
		default:
			h.logger.Debug("unknown websocket action",
				logger.ConnectionID(c.id),
				slog.String("action", frame.Action))
		}
	}
}

// flushBacklog replays events queued while the connection had no live
// delivery path.
func (h *Hub) flushBacklog(c *conn, backend Backend) {
	for _, evt := range backend.DrainBacklog(c.id) {
		select {
		case c.send <- evt:
		case <-c.closed:
			return
		default:
			h.dropped.Add(1)
			return
		}
	}
}

// writePump owns all writes to the socket: queued events, keepalive pings
// and the final close frame.
func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case evt := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.sock.WriteJSON(evt); err != nil {
				h.logger.Debug("websocket write failed",
					logger.ConnectionID(c.id),
					logger.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.sock.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			_ = c.sock.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

// detach removes the connection from the hub and closes the socket.
func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.close()
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stats returns current hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	connections := len(h.conns)
	h.mu.RUnlock()

	return HubStats{
		Connections: connections,
		Upgraded:    h.upgraded.Load(),
		Rejected:    h.rejected.Load(),
		Dropped:     h.dropped.Load(),
	}
}
