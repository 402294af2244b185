package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Default page sizes for history reads.
const (
	DefaultUpdateLimit = 100
	DefaultCommitLimit = 10
)

// CreateUpdate appends one update row. New rows are always uncommitted.
func (s *Store) CreateUpdate(ctx context.Context, u DocumentUpdate) error {
	if u.Committed || u.CommitCid != nil {
		return fmt.Errorf("new update %s must be uncommitted", u.ID)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.updates.InsertOne(ctx, u); err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return nil
}

// CreateCommit persists the commit row and transitions every referenced
// update to committed with the commit's cid. The two writes run in a single
// transaction when the topology supports one; on standalone deployments they
// run sequentially. Referenced ids with no row are skipped with a warning:
// an owner may commit before a straggling update reaches the store, and the
// cid is the authoritative record.
func (s *Store) CreateCommit(ctx context.Context, c DocumentCommit) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	apply := func(ctx context.Context) (int64, error) {
		if _, err := s.commits.InsertOne(ctx, c); err != nil {
			return 0, fmt.Errorf("insert commit: %w", err)
		}
		res, err := s.updates.UpdateMany(ctx,
			bson.M{"_id": bson.M{"$in": c.Updates}},
			bson.M{"$set": bson.M{"committed": true, "commitCid": c.Cid}},
		)
		if err != nil {
			return 0, fmt.Errorf("mark updates committed: %w", err)
		}
		return res.MatchedCount, nil
	}

	matched, err := s.applyCommitTxn(ctx, apply)
	if err != nil {
		return err
	}

	if missing := int64(len(c.Updates)) - matched; missing > 0 {
		slog.Warn("Commit referenced unknown update ids",
			"commitId", c.ID,
			"cid", c.Cid,
			"referenced", len(c.Updates),
			"missing", missing,
		)
	}
	return nil
}

// applyCommitTxn runs apply inside a transaction, falling back to a direct
// run when the deployment cannot host one (standalone mongod).
func (s *Store) applyCommitTxn(ctx context.Context, apply func(context.Context) (int64, error)) (int64, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		slog.Warn("Commit running without transaction", "error", err)
		return apply(ctx)
	}
	defer sess.EndSession(ctx)

	matched, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return apply(sc)
	})
	if err != nil {
		var cmdErr mongo.CommandError
		// IllegalOperation: transaction numbers need a replica set.
		if !errors.As(err, &cmdErr) || cmdErr.Code != 20 {
			return 0, err
		}
		slog.Warn("Transactions unsupported by topology, committing sequentially")
		return apply(ctx)
	}
	return matched.(int64), nil
}

// UpdatesByDocument pages through a document's update log.
func (s *Store) UpdatesByDocument(ctx context.Context, documentID string, q QueryOptions) ([]DocumentUpdate, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultUpdateLimit
	}

	filter := bson.M{"documentId": documentID}
	if q.Committed != nil {
		filter["committed"] = *q.Committed
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	dir := sortDirection(q.Sort)
	cursor, err := s.updates.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: dir}, {Key: "_id", Value: dir}}).
		SetSkip(q.Offset).
		SetLimit(q.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("find updates: %w", err)
	}

	results := []DocumentUpdate{}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return results, nil
}

// CommitsByDocument pages through a document's commit markers.
func (s *Store) CommitsByDocument(ctx context.Context, documentID string, q QueryOptions) ([]DocumentCommit, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultCommitLimit
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	dir := sortDirection(q.Sort)
	cursor, err := s.commits.Find(ctx, bson.M{"documentId": documentID}, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: dir}, {Key: "_id", Value: dir}}).
		SetSkip(q.Offset).
		SetLimit(q.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("find commits: %w", err)
	}

	results := []DocumentCommit{}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode commits: %w", err)
	}
	return results, nil
}

// DeleteSessionData removes every update and commit row for the session
// pair. Invoked only on session termination.
func (s *Store) DeleteSessionData(ctx context.Context, documentID, sessionDid string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	filter := bson.M{"documentId": documentID, "sessionDid": sessionDid}
	if _, err := s.updates.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete updates: %w", err)
	}
	if _, err := s.commits.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete commits: %w", err)
	}
	return nil
}
