// Package session owns the authoritative per-document session state
// machine. Each node keeps an in-memory mirror of the sessions it serves,
// kept coherent across the cluster through the shared cache and event bus;
// the durable store dominates whenever the tiers diverge.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fileverse/collab-relay/internal/cache"
	"github.com/fileverse/collab-relay/internal/store"
)

// ErrNotFound is returned when no live session exists for a pair.
var ErrNotFound = errors.New("session not found")

// Session is the node's view of one collaboration session. Clients holds
// the cluster-wide membership as known to this node: local connections are
// added directly, remote ones arrive via bus events.
type Session struct {
	DocumentID string
	SessionDid string
	OwnerDid   string
	RoomInfo   json.RawMessage
	State      string
	Clients    map[string]struct{}
}

func (s *Session) clientList() []string {
	out := make([]string, 0, len(s.Clients))
	for id := range s.Clients {
		out = append(out, id)
	}
	return out
}

// BroadcastHandler performs node-local delivery of a pre-serialized frame
// to every local socket of the session except excludeClientID. Registered
// once by the hub at wiring time.
type BroadcastHandler func(documentID, sessionDid string, payload []byte, excludeClientID string)

// DurableStore is the slice of the store the manager drives.
type DurableStore interface {
	UpsertSession(ctx context.Context, row store.SessionRow) error
	FindSession(ctx context.Context, documentID, sessionDid string) (*store.SessionRow, error)
	SetSessionState(ctx context.Context, documentID, sessionDid, state string) error
	SetRoomInfo(ctx context.Context, documentID, sessionDid, roomInfo string) error
	MarkTerminated(ctx context.Context, documentID, sessionDid string) error
	DeleteSessionData(ctx context.Context, documentID, sessionDid string) error
}

// Manager coordinates the three storage tiers. A nil cache client degrades
// to single-node operation on the local map and durable store alone.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store DurableStore
	cache *cache.Client

	handlerMu sync.RWMutex
	broadcast BroadcastHandler
}

// NewManager creates a manager over the durable store and optional cache.
func NewManager(durable DurableStore, cacheClient *cache.Client) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		store:    durable,
		cache:    cacheClient,
	}
}

// SetBroadcastHandler registers the hub's local delivery function. One-way
// registration: the manager only ever calls back through this opaque
// function, never into the hub itself.
func (m *Manager) SetBroadcastHandler(fn BroadcastHandler) {
	m.handlerMu.Lock()
	m.broadcast = fn
	m.handlerMu.Unlock()
}

func sessionKey(documentID, sessionDid string) string {
	return documentID + "__" + sessionDid
}

// rawRoomInfo converts the durable row's string form back to JSON. An empty
// string must become a nil RawMessage: a non-nil empty one is unmarshalable.
func rawRoomInfo(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// CreateParams seed a new (or re-activated) session.
type CreateParams struct {
	DocumentID string
	SessionDid string
	OwnerDid   string
	RoomInfo   json.RawMessage
}

// CreateSession installs the session locally, writes it through to cache
// and durable store, and announces it on the bus. Re-setup of an inactive
// pair flows through here as well, reusing the stored owner DID.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*Session, error) {
	s := &Session{
		DocumentID: p.DocumentID,
		SessionDid: p.SessionDid,
		OwnerDid:   p.OwnerDid,
		RoomInfo:   p.RoomInfo,
		State:      store.StateActive,
		Clients:    make(map[string]struct{}),
	}

	if err := m.store.UpsertSession(ctx, store.SessionRow{
		DocumentID: p.DocumentID,
		SessionDid: p.SessionDid,
		OwnerDid:   p.OwnerDid,
		RoomInfo:   string(p.RoomInfo),
	}); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionKey(p.DocumentID, p.SessionDid)] = s
	m.mu.Unlock()

	rec := m.record(s)
	if m.cache != nil {
		if err := m.cache.SetSession(ctx, rec); err != nil {
			slog.Warn("Session cache write failed", "documentId", p.DocumentID, "error", err)
		}
		if err := m.cache.Publish(ctx, cache.Event{
			Kind:       cache.KindSessionCreated,
			DocumentID: p.DocumentID,
			SessionDid: p.SessionDid,
			Session:    rec,
		}); err != nil {
			slog.Warn("SESSION_CREATED publish failed", "documentId", p.DocumentID, "error", err)
		}
	}

	return m.snapshot(p.DocumentID, p.SessionDid), nil
}

// GetSession is the three-tier read: local map, then cache, then durable
// record. Cache hits warm the local map; durable fallbacks warm the cache.
func (m *Manager) GetSession(ctx context.Context, documentID, sessionDid string) (*Session, error) {
	if s := m.snapshot(documentID, sessionDid); s != nil {
		return s, nil
	}

	if m.cache != nil {
		rec, err := m.cache.GetSession(ctx, documentID, sessionDid)
		if err == nil {
			m.warmLocal(rec)
			return m.snapshot(documentID, sessionDid), nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			slog.Warn("Session cache read failed", "documentId", documentID, "error", err)
		}
	}

	row, err := m.store.FindSession(ctx, documentID, sessionDid)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := &cache.SessionRecord{
		DocumentID: row.DocumentID,
		SessionDid: row.SessionDid,
		OwnerDid:   row.OwnerDid,
		RoomInfo:   rawRoomInfo(row.RoomInfo),
		State:      row.State,
		Clients:    []string{},
	}
	m.warmLocal(rec)
	if m.cache != nil {
		if err := m.cache.SetSession(ctx, rec); err != nil {
			slog.Warn("Session cache warm failed", "documentId", documentID, "error", err)
		}
	}
	return m.snapshot(documentID, sessionDid), nil
}

// AddClientToSession registers a client id with an existing session and
// announces the join on the bus.
func (m *Manager) AddClientToSession(ctx context.Context, documentID, sessionDid, clientID string) error {
	if _, err := m.GetSession(ctx, documentID, sessionDid); err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionKey(documentID, sessionDid)]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.Clients[clientID] = struct{}{}
	s.State = store.StateActive
	m.mu.Unlock()

	if m.cache != nil {
		if _, err := m.cache.AddClient(ctx, documentID, sessionDid, clientID); err != nil {
			if errors.Is(err, cache.ErrCacheMiss) {
				// Key expired or evicted: reseed from the local view.
				if err := m.cache.SetSession(ctx, m.recordFor(documentID, sessionDid)); err != nil {
					slog.Warn("Session cache reseed failed", "documentId", documentID, "error", err)
				}
			} else {
				slog.Warn("Cache add-client failed", "documentId", documentID, "error", err)
			}
		}
		if err := m.cache.Publish(ctx, cache.Event{
			Kind:       cache.KindClientJoined,
			DocumentID: documentID,
			SessionDid: sessionDid,
			ClientID:   clientID,
		}); err != nil {
			slog.Warn("CLIENT_JOINED publish failed", "documentId", documentID, "error", err)
		}
	}
	return nil
}

// RemoveClientFromSession drops a client id. When the last known client of
// the session is gone the session deactivates.
func (m *Manager) RemoveClientFromSession(ctx context.Context, documentID, sessionDid, clientID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey(documentID, sessionDid)]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(s.Clients, clientID)
	remaining := len(s.Clients)
	m.mu.Unlock()

	if m.cache != nil {
		if rec, err := m.cache.RemoveClient(ctx, documentID, sessionDid, clientID); err == nil {
			remaining = len(rec.Clients)
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			slog.Warn("Cache remove-client failed", "documentId", documentID, "error", err)
		}
		if err := m.cache.Publish(ctx, cache.Event{
			Kind:       cache.KindClientLeft,
			DocumentID: documentID,
			SessionDid: sessionDid,
			ClientID:   clientID,
		}); err != nil {
			slog.Warn("CLIENT_LEFT publish failed", "documentId", documentID, "error", err)
		}
	}

	if remaining == 0 {
		return m.DeactivateSession(ctx, documentID, sessionDid)
	}
	return nil
}

// DeactivateSession drops the local entry, deletes the cache key and marks
// the durable row inactive. The pair stays eligible for owner re-setup.
func (m *Manager) DeactivateSession(ctx context.Context, documentID, sessionDid string) error {
	m.mu.Lock()
	delete(m.sessions, sessionKey(documentID, sessionDid))
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.DeleteSession(ctx, documentID, sessionDid); err != nil {
			slog.Warn("Cache delete failed on deactivate", "documentId", documentID, "error", err)
		}
	}
	if err := m.store.SetSessionState(ctx, documentID, sessionDid, store.StateInactive); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	slog.Info("Session deactivated", "documentId", documentID, "sessionDid", sessionDid)
	return nil
}

// TerminateSession permanently retires the pair: local entry and cache key
// dropped, durable row terminated, update/commit log purged, deletion
// announced cluster-wide.
func (m *Manager) TerminateSession(ctx context.Context, documentID, sessionDid string) error {
	m.mu.Lock()
	delete(m.sessions, sessionKey(documentID, sessionDid))
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.DeleteSession(ctx, documentID, sessionDid); err != nil {
			slog.Warn("Cache delete failed on terminate", "documentId", documentID, "error", err)
		}
	}
	if err := m.store.MarkTerminated(ctx, documentID, sessionDid); err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if err := m.store.DeleteSessionData(ctx, documentID, sessionDid); err != nil {
		return fmt.Errorf("purge session log: %w", err)
	}

	if m.cache != nil {
		if err := m.cache.Publish(ctx, cache.Event{
			Kind:       cache.KindSessionDeleted,
			DocumentID: documentID,
			SessionDid: sessionDid,
		}); err != nil {
			slog.Warn("SESSION_DELETED publish failed", "documentId", documentID, "error", err)
		}
	}

	slog.Info("Session terminated", "documentId", documentID, "sessionDid", sessionDid)
	return nil
}

// UpdateRoomInfo replaces the owner-writable metadata blob on all tiers.
// Owner authorization is the caller's responsibility.
func (m *Manager) UpdateRoomInfo(ctx context.Context, documentID, sessionDid string, roomInfo json.RawMessage) error {
	m.mu.Lock()
	if s, ok := m.sessions[sessionKey(documentID, sessionDid)]; ok {
		s.RoomInfo = roomInfo
	}
	m.mu.Unlock()

	if err := m.store.SetRoomInfo(ctx, documentID, sessionDid, string(roomInfo)); err != nil {
		return fmt.Errorf("persist room info: %w", err)
	}

	if m.cache != nil {
		if rec, err := m.cache.GetSession(ctx, documentID, sessionDid); err == nil {
			rec.RoomInfo = roomInfo
			if err := m.cache.SetSession(ctx, rec); err != nil {
				slog.Warn("Cache room info write failed", "documentId", documentID, "error", err)
			}
		}
		if err := m.cache.Publish(ctx, cache.Event{
			Kind:       cache.KindRoomInfoUpdated,
			DocumentID: documentID,
			SessionDid: sessionDid,
			RoomInfo:   roomInfo,
		}); err != nil {
			slog.Warn("ROOM_INFO_UPDATED publish failed", "documentId", documentID, "error", err)
		}
	}
	return nil
}

// BroadcastToAllNodes fans a pre-serialized frame out to every client of
// the session cluster-wide. Local delivery runs immediately so co-located
// peers never wait on the bus round-trip; remote nodes replay the frame
// when the BROADCAST_MESSAGE event reaches them.
func (m *Manager) BroadcastToAllNodes(ctx context.Context, documentID, sessionDid string, payload []byte, excludeClientID string) {
	m.deliverLocal(documentID, sessionDid, payload, excludeClientID)

	if m.cache == nil {
		return
	}
	// Detached from the caller: a socket closing mid-handler must not
	// strand the cross-node leg of a broadcast already delivered locally.
	go func() {
		if err := m.cache.Publish(context.WithoutCancel(ctx), cache.Event{
			Kind:            cache.KindBroadcast,
			DocumentID:      documentID,
			SessionDid:      sessionDid,
			ExcludeClientID: excludeClientID,
			Payload:         payload,
		}); err != nil {
			slog.Warn("BROADCAST_MESSAGE publish failed", "documentId", documentID, "error", err)
		}
	}()
}

// ClientsOf returns the known client ids of a session.
func (m *Manager) ClientsOf(documentID, sessionDid string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionKey(documentID, sessionDid)]; ok {
		return s.clientList()
	}
	return nil
}

// Peers returns the cluster-wide client set, preferring the shared cache
// and falling back to the local view when the cache is unreachable.
func (m *Manager) Peers(ctx context.Context, documentID, sessionDid string) ([]string, error) {
	if m.cache != nil {
		if rec, err := m.cache.GetSession(ctx, documentID, sessionDid); err == nil {
			return rec.Clients, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			slog.Warn("Peers cache read failed", "documentId", documentID, "error", err)
		}
	}
	if peers := m.ClientsOf(documentID, sessionDid); peers != nil {
		return peers, nil
	}
	return nil, ErrNotFound
}

// Count returns the number of sessions mirrored on this node.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) deliverLocal(documentID, sessionDid string, payload []byte, excludeClientID string) {
	m.handlerMu.RLock()
	fn := m.broadcast
	m.handlerMu.RUnlock()
	if fn != nil {
		fn(documentID, sessionDid, payload, excludeClientID)
	}
}

// snapshot returns a copy of the local entry, or nil.
func (m *Manager) snapshot(documentID, sessionDid string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey(documentID, sessionDid)]
	if !ok {
		return nil
	}
	cp := &Session{
		DocumentID: s.DocumentID,
		SessionDid: s.SessionDid,
		OwnerDid:   s.OwnerDid,
		RoomInfo:   s.RoomInfo,
		State:      s.State,
		Clients:    make(map[string]struct{}, len(s.Clients)),
	}
	for id := range s.Clients {
		cp.Clients[id] = struct{}{}
	}
	return cp
}

func (m *Manager) warmLocal(rec *cache.SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(rec.DocumentID, rec.SessionDid)
	if _, ok := m.sessions[key]; ok {
		return
	}
	s := &Session{
		DocumentID: rec.DocumentID,
		SessionDid: rec.SessionDid,
		OwnerDid:   rec.OwnerDid,
		RoomInfo:   rec.RoomInfo,
		State:      rec.State,
		Clients:    make(map[string]struct{}, len(rec.Clients)),
	}
	for _, id := range rec.Clients {
		s.Clients[id] = struct{}{}
	}
	m.sessions[key] = s
}

func (m *Manager) record(s *Session) *cache.SessionRecord {
	return &cache.SessionRecord{
		DocumentID: s.DocumentID,
		SessionDid: s.SessionDid,
		OwnerDid:   s.OwnerDid,
		RoomInfo:   s.RoomInfo,
		State:      s.State,
		Clients:    s.clientList(),
	}
}

func (m *Manager) recordFor(documentID, sessionDid string) *cache.SessionRecord {
	s := m.snapshot(documentID, sessionDid)
	if s == nil {
		return &cache.SessionRecord{
			DocumentID: documentID,
			SessionDid: sessionDid,
			State:      store.StateActive,
			Clients:    []string{},
		}
	}
	return m.record(s)
}
