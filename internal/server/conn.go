package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// outbound is one queued frame. Critical frames (content, membership,
// termination, command replies) are never dropped; awareness frames are
// idempotent-by-latest and may be shed under backpressure.
type outbound struct {
	payload  []byte
	critical bool
}

// Conn is one accepted WebSocket connection. Frames from the socket are
// processed sequentially by the read loop; writes are serialized through a
// single writer goroutine fed by a bounded queue.
type Conn struct {
	id string
	ws *websocket.Conn

	send chan outbound

	mu            sync.RWMutex
	authenticated bool
	documentID    string
	sessionDid    string
	role          string

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc
}

func newConn(id string, ws *websocket.Conn, queueDepth int, cancel context.CancelFunc) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan outbound, queueDepth),
		closed: make(chan struct{}),
		cancel: cancel,
	}
}

// ID returns the connection's client id.
func (c *Conn) ID() string {
	return c.id
}

// authenticate records the session binding established by /auth.
func (c *Conn) authenticate(documentID, sessionDid, role string) {
	c.mu.Lock()
	c.authenticated = true
	c.documentID = documentID
	c.sessionDid = sessionDid
	c.role = role
	c.mu.Unlock()
}

// session returns the connection's auth state.
func (c *Conn) session() (documentID, sessionDid, role string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.documentID, c.sessionDid, c.role, c.authenticated
}

// enqueue hands a frame to the writer. A full queue drops non-critical
// frames; for critical frames persistent overflow is fatal to the socket,
// since the peer is too slow to be a correct session participant.
func (c *Conn) enqueue(payload []byte, critical bool) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- outbound{payload: payload, critical: critical}:
	default:
		if !critical {
			slog.Debug("Dropping awareness frame for slow consumer", "clientId", c.id)
			return
		}
		slog.Warn("Send queue overflow on critical frame, closing socket", "clientId", c.id)
		c.close()
	}
}

// close tears the connection down exactly once. The read loop observes the
// socket close and runs disconnection cleanup.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		_ = c.ws.Close()
	})
}

// writePump drains the send queue onto the socket. It owns all writes,
// including the keepalive pings; a failed write closes the connection.
func (c *Conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, out.payload); err != nil {
				slog.Debug("Socket write failed", "clientId", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
