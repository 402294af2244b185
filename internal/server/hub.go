package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fileverse/collab-relay/internal/protocol"
	"github.com/fileverse/collab-relay/internal/session"
)

// Hub owns the node-local set of open sockets: registration, the per-socket
// read loop, disconnection cleanup and local fan-out. Cross-node concerns
// stay in the session manager; the hub only ever touches sockets it
// accepted itself.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	sessions     *session.Manager
	dispatch     func(ctx context.Context, c *Conn, req protocol.Request) protocol.Response
	pingInterval time.Duration
	pongTimeout  time.Duration
	maxFrame     int64
}

// NewHub creates the hub and registers its local delivery function with the
// session manager (one-way registration, the manager never sees the hub).
func NewHub(sessions *session.Manager, pingInterval, pongTimeout time.Duration, maxFrame int64) *Hub {
	h := &Hub{
		conns:        make(map[string]*Conn),
		sessions:     sessions,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		maxFrame:     maxFrame,
	}
	sessions.SetBroadcastHandler(h.DeliverLocal)
	return h
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) get(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// Count returns the number of open sockets on this node.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll tears down every socket. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

// DeliverLocal is the broadcast handler registered with the session
// manager: fan a pre-serialized frame out to every local socket of the
// session, skipping the excluded client. Client ids without a local socket
// belong to other nodes and are ignored; their node runs the same handler
// off the bus event.
func (h *Hub) DeliverLocal(documentID, sessionDid string, payload []byte, excludeClientID string) {
	critical := !isAwarenessFrame(payload)

	for _, clientID := range h.sessions.ClientsOf(documentID, sessionDid) {
		if clientID == excludeClientID {
			continue
		}
		if c := h.get(clientID); c != nil {
			c.enqueue(payload, critical)
		}
	}
}

// isAwarenessFrame sniffs the event type of a serialized event envelope.
// Only awareness frames are sheddable under backpressure.
func isAwarenessFrame(payload []byte) bool {
	var probe struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.EventType == protocol.EventAwarenessUpdate
}

// readLoop processes the socket's frames sequentially, preserving receive
// order per connection. Malformed frames get a sequenced error reply and
// the socket stays open; the loop exits on socket close or read error.
func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	defer h.disconnect(c)

	c.ws.SetReadLimit(h.maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			slog.Debug("Socket read ended", "clientId", c.id, "error", err)
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.enqueue(protocol.Marshal(protocol.Error("", protocol.StatusBadRequest, "malformed request frame")), true)
			continue
		}

		resp := h.safeDispatch(ctx, c, req)
		c.enqueue(protocol.Marshal(resp), true)
	}
}

// safeDispatch invokes the command dispatcher, converting a handler panic
// into a generic 500 reply so one bad frame cannot take the node down.
func (h *Hub) safeDispatch(ctx context.Context, c *Conn, req protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panic", "cmd", req.Cmd, "clientId", c.id, "panic", r)
			resp = protocol.Error(req.SeqID, protocol.StatusInternal, "internal error")
		}
	}()
	return h.dispatch(ctx, c, req)
}

// disconnect runs the disconnection cleanup: announce the departure to the
// remaining peers (the leaver is excluded so it never sees its own
// farewell), release the session membership, then drop the socket.
func (h *Hub) disconnect(c *Conn) {
	c.close()

	documentID, sessionDid, role, authenticated := c.session()
	if authenticated {
		// Detached context: the connection's own context is already
		// cancelled at this point.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		farewell := protocol.Marshal(protocol.NewEvent(protocol.EventRoomMembershipChange, documentID, protocol.MembershipChange{
			Action:   protocol.ActionUserLeft,
			ClientID: c.id,
			Role:     role,
		}))
		h.sessions.BroadcastToAllNodes(ctx, documentID, sessionDid, farewell, c.id)

		if err := h.sessions.RemoveClientFromSession(ctx, documentID, sessionDid, c.id); err != nil &&
			!errors.Is(err, session.ErrNotFound) {
			slog.Warn("Disconnect cleanup failed", "clientId", c.id, "error", err)
		}
	}

	h.unregister(c.id)
	slog.Debug("Socket closed", "clientId", c.id, "authenticated", authenticated)
}
