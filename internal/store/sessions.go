package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UpsertSession writes the durable session row, activating it. A re-setup
// of an inactive session lands here too and flips state back to active; the
// unique (documentId, sessionDid) index keeps one row per pair.
func (s *Store) UpsertSession(ctx context.Context, row SessionRow) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	set := bson.M{
		"ownerDid":  row.OwnerDid,
		"state":     StateActive,
		"updatedAt": now,
	}
	if row.RoomInfo != "" {
		set["roomInfo"] = row.RoomInfo
	}

	// The filter excludes terminated rows, so reviving a retired pair
	// falls through to an insert and trips the unique index instead.
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{
			"documentId": row.DocumentID,
			"sessionDid": row.SessionDid,
			"state":      bson.M{"$ne": StateTerminated},
		},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"createdAt": now},
		},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return ErrSessionTerminated
	}
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// FindSession loads the durable row for the pair. Terminated sessions are
// permanently retired and never returned.
func (s *Store) FindSession(ctx context.Context, documentID, sessionDid string) (*SessionRow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row SessionRow
	err := s.sessions.FindOne(ctx, bson.M{
		"documentId": documentID,
		"sessionDid": sessionDid,
		"state":      bson.M{"$ne": StateTerminated},
	}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &row, nil
}

// SetSessionState transitions the durable state field.
func (s *Store) SetSessionState(ctx context.Context, documentID, sessionDid, state string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"documentId": documentID, "sessionDid": sessionDid},
		bson.M{"$set": bson.M{"state": state, "updatedAt": time.Now().UnixMilli()}},
	)
	if err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	return nil
}

// SetRoomInfo replaces the owner-writable metadata blob.
func (s *Store) SetRoomInfo(ctx context.Context, documentID, sessionDid, roomInfo string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"documentId": documentID, "sessionDid": sessionDid},
		bson.M{"$set": bson.M{"roomInfo": roomInfo, "updatedAt": time.Now().UnixMilli()}},
	)
	if err != nil {
		return fmt.Errorf("set room info: %w", err)
	}
	return nil
}

// MarkTerminated retires the pair: state becomes terminated and roomInfo is
// cleared. The update/commit rows are deleted separately via
// DeleteSessionData so the caller controls ordering.
func (s *Store) MarkTerminated(ctx context.Context, documentID, sessionDid string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"documentId": documentID, "sessionDid": sessionDid},
		bson.M{
			"$set":   bson.M{"state": StateTerminated, "updatedAt": time.Now().UnixMilli()},
			"$unset": bson.M{"roomInfo": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("mark session terminated: %w", err)
	}
	return nil
}
