package session

import (
	"log/slog"

	"github.com/fileverse/collab-relay/internal/cache"
	"github.com/fileverse/collab-relay/internal/store"
)

// HandleBusEvent applies one inbound bus event to the local mirror. Wire it
// as the cache subscription handler. Events never create local entries for
// sessions this node has not seen, with the single exception of
// SESSION_CREATED, which installs the announced record.
func (m *Manager) HandleBusEvent(ev cache.Event) {
	switch ev.Kind {
	case cache.KindSessionCreated:
		if ev.Session != nil {
			m.warmLocal(ev.Session)
		}

	case cache.KindSessionUpdated:
		m.mu.Lock()
		if s, ok := m.sessions[sessionKey(ev.DocumentID, ev.SessionDid)]; ok && ev.Session != nil {
			s.State = ev.Session.State
			s.RoomInfo = ev.Session.RoomInfo
		}
		m.mu.Unlock()

	case cache.KindSessionDeleted:
		m.mu.Lock()
		delete(m.sessions, sessionKey(ev.DocumentID, ev.SessionDid))
		m.mu.Unlock()

	case cache.KindClientJoined:
		m.mu.Lock()
		if s, ok := m.sessions[sessionKey(ev.DocumentID, ev.SessionDid)]; ok {
			s.Clients[ev.ClientID] = struct{}{}
			s.State = store.StateActive
		}
		m.mu.Unlock()

	case cache.KindClientLeft:
		m.mu.Lock()
		if s, ok := m.sessions[sessionKey(ev.DocumentID, ev.SessionDid)]; ok {
			delete(s.Clients, ev.ClientID)
		}
		m.mu.Unlock()

	case cache.KindRoomInfoUpdated:
		m.mu.Lock()
		if s, ok := m.sessions[sessionKey(ev.DocumentID, ev.SessionDid)]; ok {
			s.RoomInfo = ev.RoomInfo
		}
		m.mu.Unlock()

	case cache.KindBroadcast:
		m.deliverLocal(ev.DocumentID, ev.SessionDid, ev.Payload, ev.ExcludeClientID)

	default:
		slog.Debug("Ignoring unknown bus event kind", "kind", ev.Kind)
	}
}
