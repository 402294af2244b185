// Package store provides the durable record of sessions and the append-only
// update/commit log, backed by MongoDB.
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

// Session states.
const (
	StateActive     = "active"
	StateInactive   = "inactive"
	StateTerminated = "terminated"
)

// UpdateTypeCRDT tags update rows carrying opaque CRDT payloads. Currently
// the only update type written.
const UpdateTypeCRDT = "crdt"

// Sort directions accepted by the history queries.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

var (
	// ErrSessionNotFound is returned when no non-terminated session row exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminated is returned on attempts to revive a retired pair.
	ErrSessionTerminated = errors.New("session terminated")
)

const (
	collSessions = "sessions"
	collUpdates  = "document_updates"
	collCommits  = "document_commits"
)

// Store wraps the MongoDB collections.
type Store struct {
	client   *mongo.Client
	sessions *mongo.Collection
	updates  *mongo.Collection
	commits  *mongo.Collection
	timeout  time.Duration
}

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, uri, dbName string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:   client,
		sessions: db.Collection(collSessions),
		updates:  db.Collection(collUpdates),
		commits:  db.Collection(collCommits),
		timeout:  timeout,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "sessionDid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "sessionDid", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("ensure session indexes: %w", err)
	}

	_, err = s.updates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentId", Value: 1}}},
		{Keys: bson.D{{Key: "committed", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{
			Keys: bson.D{
				{Key: "documentId", Value: 1},
				{Key: "committed", Value: 1},
				{Key: "createdAt", Value: -1},
				{Key: "sessionDid", Value: 1},
			},
		},
		{
			Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetPartialFilterExpression(bson.D{{Key: "committed", Value: false}}),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure update indexes: %w", err)
	}

	_, err = s.commits.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentId", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure commit indexes: %w", err)
	}
	return nil
}

func sortDirection(sort string) int {
	if sort == SortAsc {
		return 1
	}
	return -1
}
