package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise a real MongoDB. They are skipped unless MONGODB_URI
// points at one (local mongod or CI service container).
func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Connect(ctx, uri, fmt.Sprintf("collab_test_%d", time.Now().UnixNano()), 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.sessions.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func newUpdate(documentID, sessionDid, data string) DocumentUpdate {
	return DocumentUpdate{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		SessionDid: sessionDid,
		Data:       data,
		UpdateType: UpdateTypeCRDT,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

func TestCreateUpdateRejectsPreCommitted(t *testing.T) {
	s := testStore(t)

	u := newUpdate("d1", "did:key:zS", "payload")
	u.Committed = true
	assert.Error(t, s.CreateUpdate(context.Background(), u))
}

func TestCommitTransitionsReferencedUpdates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u1 := newUpdate("d1", "did:key:zS", "a")
	u2 := newUpdate("d1", "did:key:zS", "b")
	require.NoError(t, s.CreateUpdate(ctx, u1))
	require.NoError(t, s.CreateUpdate(ctx, u2))

	commit := DocumentCommit{
		ID:         uuid.NewString(),
		DocumentID: "d1",
		SessionDid: "did:key:zS",
		Cid:        "bafyTestX",
		Updates:    []string{u1.ID, u2.ID, "missing-id"},
		CreatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, s.CreateCommit(ctx, commit))

	rows, err := s.UpdatesByDocument(ctx, "d1", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.True(t, row.Committed)
		require.NotNil(t, row.CommitCid)
		assert.Equal(t, "bafyTestX", *row.CommitCid)
	}

	commits, err := s.CommitsByDocument(ctx, "d1", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, commit.Cid, commits[0].Cid)
}

func TestUpdatesByDocumentPagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		u := newUpdate("d2", "did:key:zS", fmt.Sprintf("p%d", i))
		u.CreatedAt = base + int64(i)
		require.NoError(t, s.CreateUpdate(ctx, u))
	}

	// Default sort is createdAt desc.
	rows, err := s.UpdatesByDocument(ctx, "d2", QueryOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p4", rows[0].Data)
	assert.Equal(t, "p3", rows[1].Data)

	rows, err = s.UpdatesByDocument(ctx, "d2", QueryOptions{Limit: 2, Offset: 2, Sort: SortAsc})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p2", rows[0].Data)

	committed := false
	rows, err = s.UpdatesByDocument(ctx, "d2", QueryOptions{Committed: &committed})
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestDeleteSessionDataRemovesEverything(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u := newUpdate("d3", "did:key:zS", "x")
	require.NoError(t, s.CreateUpdate(ctx, u))
	require.NoError(t, s.CreateCommit(ctx, DocumentCommit{
		ID: uuid.NewString(), DocumentID: "d3", SessionDid: "did:key:zS",
		Cid: "bafyY", Updates: []string{u.ID}, CreatedAt: time.Now().UnixMilli(),
	}))

	// An update for a different session pair survives.
	other := newUpdate("d3", "did:key:zOther", "y")
	require.NoError(t, s.CreateUpdate(ctx, other))

	require.NoError(t, s.DeleteSessionData(ctx, "d3", "did:key:zS"))

	rows, err := s.UpdatesByDocument(ctx, "d3", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "did:key:zOther", rows[0].SessionDid)

	commits, err := s.CommitsByDocument(ctx, "d3", QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, commits)
}

func TestSessionLifecycleRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	row := SessionRow{
		DocumentID: "d4",
		SessionDid: "did:key:zS",
		OwnerDid:   "did:key:zOwner",
		RoomInfo:   `{"name":"room"}`,
	}
	require.NoError(t, s.UpsertSession(ctx, row))

	got, err := s.FindSession(ctx, "d4", "did:key:zS")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, "did:key:zOwner", got.OwnerDid)
	assert.Equal(t, `{"name":"room"}`, got.RoomInfo)

	require.NoError(t, s.SetSessionState(ctx, "d4", "did:key:zS", StateInactive))
	got, err = s.FindSession(ctx, "d4", "did:key:zS")
	require.NoError(t, err)
	assert.Equal(t, StateInactive, got.State)

	// Re-setup reactivates and keeps the owner.
	require.NoError(t, s.UpsertSession(ctx, SessionRow{
		DocumentID: "d4", SessionDid: "did:key:zS", OwnerDid: "did:key:zOwner",
	}))
	got, err = s.FindSession(ctx, "d4", "did:key:zS")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, `{"name":"room"}`, got.RoomInfo)

	// Termination retires the pair from lookups.
	require.NoError(t, s.MarkTerminated(ctx, "d4", "did:key:zS"))
	_, err = s.FindSession(ctx, "d4", "did:key:zS")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// And the pair can never be revived.
	err = s.UpsertSession(ctx, SessionRow{
		DocumentID: "d4", SessionDid: "did:key:zS", OwnerDid: "did:key:zOwner",
	})
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestFindSessionMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.FindSession(context.Background(), "nope", "did:key:zS")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
