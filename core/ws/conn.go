package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/backstage-idp/eventcore/core/broadcast"
)

// conn pairs one websocket with its buffered outbound queue. All socket
// writes happen in the hub's write pump; the read loop only reads.
type conn struct {
	id   string
	sock *websocket.Conn
	send chan broadcast.Event

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, sock *websocket.Conn, sendBuffer int) *conn {
	return &conn{
		id:     id,
		sock:   sock,
		send:   make(chan broadcast.Event, sendBuffer),
		closed: make(chan struct{}),
	}
}

// close is idempotent; safe from both pumps.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close()
	})
}
