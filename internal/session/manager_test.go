package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileverse/collab-relay/internal/cache"
	"github.com/fileverse/collab-relay/internal/store"
)

// fakeStore is an in-memory DurableStore.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]*store.SessionRow
	logPairs map[string]bool // pairs with update/commit rows
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*store.SessionRow), logPairs: make(map[string]bool)}
}

func (f *fakeStore) key(d, s string) string { return d + "__" + s }

func (f *fakeStore) UpsertSession(_ context.Context, row store.SessionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.rows[f.key(row.DocumentID, row.SessionDid)]
	if ok {
		if existing.State == store.StateTerminated {
			return store.ErrSessionTerminated
		}
		existing.State = store.StateActive
		existing.OwnerDid = row.OwnerDid
		if row.RoomInfo != "" {
			existing.RoomInfo = row.RoomInfo
		}
		return nil
	}
	cp := row
	cp.State = store.StateActive
	f.rows[f.key(row.DocumentID, row.SessionDid)] = &cp
	return nil
}

func (f *fakeStore) FindSession(_ context.Context, d, s string) (*store.SessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[f.key(d, s)]
	if !ok || row.State == store.StateTerminated {
		return nil, store.ErrSessionNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeStore) SetSessionState(_ context.Context, d, s, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[f.key(d, s)]; ok {
		row.State = state
	}
	return nil
}

func (f *fakeStore) SetRoomInfo(_ context.Context, d, s, roomInfo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[f.key(d, s)]; ok {
		row.RoomInfo = roomInfo
	}
	return nil
}

func (f *fakeStore) MarkTerminated(_ context.Context, d, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[f.key(d, s)]; ok {
		row.State = store.StateTerminated
		row.RoomInfo = ""
	}
	return nil
}

func (f *fakeStore) DeleteSessionData(_ context.Context, d, s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.logPairs, f.key(d, s))
	return nil
}

func (f *fakeStore) state(d, s string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[f.key(d, s)]; ok {
		return row.State
	}
	return ""
}

func cacheClient(t *testing.T, mr *miniredis.Miniredis, nodeID string) *cache.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewFromClients(rdb, sub, cache.Config{NodeID: nodeID, TTL: time.Hour})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

const (
	doc = "d1"
	sid = "did:key:zSession"
	own = "did:key:zOwner"
)

func TestCreateAndGetSession(t *testing.T) {
	fs := newFakeStore()
	m := NewManager(fs, cacheClient(t, miniredis.RunT(t), "n1"))
	ctx := context.Background()

	s, err := m.CreateSession(ctx, CreateParams{
		DocumentID: doc, SessionDid: sid, OwnerDid: own,
		RoomInfo: json.RawMessage(`{"name":"room"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, s.State)
	assert.Equal(t, own, s.OwnerDid)

	got, err := m.GetSession(ctx, doc, sid)
	require.NoError(t, err)
	assert.Equal(t, own, got.OwnerDid)
	assert.Equal(t, store.StateActive, fs.state(doc, sid))
}

func TestGetSessionWarmsFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	// Node 1 creates; node 2 has an empty local map but shares the cache.
	m1 := NewManager(newFakeStore(), cacheClient(t, mr, "n1"))
	_, err := m1.CreateSession(ctx, CreateParams{DocumentID: doc, SessionDid: sid, OwnerDid: own})
	require.NoError(t, err)

	m2 := NewManager(newFakeStore(), cacheClient(t, mr, "n2"))
	got, err := m2.GetSession(ctx, doc, sid)
	require.NoError(t, err)
	assert.Equal(t, own, got.OwnerDid)
	assert.Equal(t, 1, m2.Count())
}

func TestGetSessionFallsBackToDurable(t *testing.T) {
	fs := newFakeStore()
	require.NoError(t, fs.UpsertSession(context.Background(), store.SessionRow{
		DocumentID: doc, SessionDid: sid, OwnerDid: own, RoomInfo: `{"a":1}`,
	}))

	c := cacheClient(t, miniredis.RunT(t), "n1")
	m := NewManager(fs, c)

	got, err := m.GetSession(context.Background(), doc, sid)
	require.NoError(t, err)
	assert.Equal(t, own, got.OwnerDid)

	// Durable fallback warms the cache.
	rec, err := c.GetSession(context.Background(), doc, sid)
	require.NoError(t, err)
	assert.Equal(t, own, rec.OwnerDid)
}

func TestGetSessionNotFound(t *testing.T) {
	m := NewManager(newFakeStore(), nil)

	_, err := m.GetSession(context.Background(), "nope", sid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientLifecycleDeactivatesOnLastLeave(t *testing.T) {
	fs := newFakeStore()
	c := cacheClient(t, miniredis.RunT(t), "n1")
	m := NewManager(fs, c)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, CreateParams{DocumentID: doc, SessionDid: sid, OwnerDid: own})
	require.NoError(t, err)

	require.NoError(t, m.AddClientToSession(ctx, doc, sid, "c1"))
	require.NoError(t, m.AddClientToSession(ctx, doc, sid, "c2"))
	assert.ElementsMatch(t, []string{"c1", "c2"}, m.ClientsOf(doc, sid))

	require.NoError(t, m.RemoveClientFromSession(ctx, doc, sid, "c1"))
	assert.Equal(t, store.StateActive, fs.state(doc, sid))

	require.NoError(t, m.RemoveClientFromSession(ctx, doc, sid, "c2"))
	assert.Equal(t, store.StateInactive, fs.state(doc, sid))
	assert.Equal(t, 0, m.Count())

	_, err = c.GetSession(ctx, doc, sid)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	// Owner re-setup reactivates, reusing the stored owner DID.
	_, err = m.CreateSession(ctx, CreateParams{DocumentID: doc, SessionDid: sid, OwnerDid: own})
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, fs.state(doc, sid))
}

func TestAddClientRequiresSession(t *testing.T) {
	m := NewManager(newFakeStore(), nil)

	err := m.AddClientToSession(context.Background(), doc, sid, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminateSessionIsASink(t *testing.T) {
	fs := newFakeStore()
	fs.logPairs[fs.key(doc, sid)] = true
	c := cacheClient(t, miniredis.RunT(t), "n1")
	m := NewManager(fs, c)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, CreateParams{DocumentID: doc, SessionDid: sid, OwnerDid: own})
	require.NoError(t, err)

	require.NoError(t, m.TerminateSession(ctx, doc, sid))
	assert.Equal(t, store.StateTerminated, fs.state(doc, sid))
	assert.False(t, fs.logPairs[fs.key(doc, sid)], "update/commit rows must be purged")
	assert.Equal(t, 0, m.Count())

	// Lookups exclude terminated pairs.
	_, err = m.GetSession(ctx, doc, sid)
	assert.ErrorIs(t, err, ErrNotFound)

	// A terminated pair is never revived.
	_, err = m.CreateSession(ctx, CreateParams{DocumentID: doc, SessionDid: sid, OwnerDid: own})
	assert.ErrorIs(t, err, store.ErrSessionTerminated)
}

func TestUpdateRoomInfo(t *testing.T) {
	fs := newFakeStore()
	c := cacheClient(t, miniredis.RunT(t), "n1")
	m := NewManager(fs, c)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, CreateParams{DocumentID: doc, SessionDid: sid, OwnerDid: own})
	require.NoError(t, err)

	require.NoError(t, m.UpdateRoomInfo(ctx, doc, sid, json.RawMessage(`{"name":"renamed"}`)))

	s, err := m.GetSession(ctx, doc, sid)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"renamed"}`, string(s.RoomInfo))

	rec, err := c.GetSession(ctx, doc, sid)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"renamed"}`, string(rec.RoomInfo))
}

func TestBroadcastDeliversLocallyAndAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1 := cacheClient(t, mr, "n1")
	c2 := cacheClient(t, mr, "n2")

	m1 := NewManager(newFakeStore(), c1)
	m2 := NewManager(newFakeStore(), c2)

	c1.Subscribe(ctx, m1.HandleBusEvent)
	c2.Subscribe(ctx, m2.HandleBusEvent)
	time.Sleep(100 * time.Millisecond)

	type delivery struct {
		payload string
		exclude string
	}
	local := make(chan delivery, 1)
	remote := make(chan delivery, 1)
	m1.SetBroadcastHandler(func(_, _ string, payload []byte, exclude string) {
		local <- delivery{string(payload), exclude}
	})
	m2.SetBroadcastHandler(func(_, _ string, payload []byte, exclude string) {
		remote <- delivery{string(payload), exclude}
	})

	m1.BroadcastToAllNodes(ctx, doc, sid, []byte(`{"hello":true}`), "c1")

	select {
	case d := <-local:
		assert.Equal(t, `{"hello":true}`, d.payload)
		assert.Equal(t, "c1", d.exclude)
	case <-time.After(time.Second):
		t.Fatal("local delivery did not run")
	}

	select {
	case d := <-remote:
		assert.Equal(t, `{"hello":true}`, d.payload)
		assert.Equal(t, "c1", d.exclude)
	case <-time.After(2 * time.Second):
		t.Fatal("remote delivery did not run")
	}
}

func TestBusEventsKeepMirrorsCoherent(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1 := cacheClient(t, mr, "n1")
	c2 := cacheClient(t, mr, "n2")
	m1 := NewManager(newFakeStore(), c1)
	m2 := NewManager(newFakeStore(), c2)
	c2.Subscribe(ctx, m2.HandleBusEvent)
	time.Sleep(100 * time.Millisecond)

	_, err := m1.CreateSession(ctx, CreateParams{DocumentID: doc, SessionDid: sid, OwnerDid: own})
	require.NoError(t, err)
	require.NoError(t, m1.AddClientToSession(ctx, doc, sid, "c1"))

	require.Eventually(t, func() bool {
		return len(m2.ClientsOf(doc, sid)) == 1
	}, 2*time.Second, 20*time.Millisecond, "SESSION_CREATED + CLIENT_JOINED should mirror onto node 2")

	require.NoError(t, m1.TerminateSession(ctx, doc, sid))
	require.Eventually(t, func() bool {
		return m2.Count() == 0
	}, 2*time.Second, 20*time.Millisecond, "SESSION_DELETED should clear node 2's mirror")
}

func TestBusEventsIgnoreUnknownSessions(t *testing.T) {
	m := NewManager(newFakeStore(), nil)

	m.HandleBusEvent(cache.Event{Kind: cache.KindClientJoined, DocumentID: doc, SessionDid: sid, ClientID: "c9"})
	assert.Equal(t, 0, m.Count(), "CLIENT_JOINED must not create unknown sessions")
}

func TestPeersPrefersCacheOverLocal(t *testing.T) {
	c := cacheClient(t, miniredis.RunT(t), "n1")
	m := NewManager(newFakeStore(), c)
	ctx := context.Background()

	// Cluster view in the cache includes a remote client.
	require.NoError(t, c.SetSession(ctx, &cache.SessionRecord{
		DocumentID: doc, SessionDid: sid, OwnerDid: own,
		State: store.StateActive, Clients: []string{"local-1", "remote-1"},
	}))

	peers, err := m.Peers(ctx, doc, sid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"local-1", "remote-1"}, peers)
}

func TestDegradedModeWithoutCache(t *testing.T) {
	fs := newFakeStore()
	m := NewManager(fs, nil)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, CreateParams{DocumentID: doc, SessionDid: sid, OwnerDid: own})
	require.NoError(t, err)
	require.NoError(t, m.AddClientToSession(ctx, doc, sid, "c1"))

	peers, err := m.Peers(ctx, doc, sid)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, peers)

	require.NoError(t, m.RemoveClientFromSession(ctx, doc, sid, "c1"))
	assert.Equal(t, store.StateInactive, fs.state(doc, sid))
}
