// Package cache provides the cluster-shared session cache and the pub/sub
// event bus, both on the same Redis deployment. The cache is soft state:
// the durable store dominates on divergence. The bus is best-effort
// at-most-once coordination, not a replicated log.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when no record exists under the session key.
var ErrCacheMiss = errors.New("session not in cache")

const sessionKeyPrefix = "collab:session:"

// SessionRecord is the cluster-serialized view of a session. Clients is the
// union of client ids across all nodes.
type SessionRecord struct {
	DocumentID string          `json:"documentId"`
	SessionDid string          `json:"sessionDid"`
	OwnerDid   string          `json:"ownerDid"`
	RoomInfo   json.RawMessage `json:"roomInfo,omitempty"`
	State      string          `json:"state"`
	Clients    []string        `json:"clients"`
}

// SessionKey builds the cache key for a session pair.
func SessionKey(documentID, sessionDid string) string {
	return sessionKeyPrefix + documentID + "__" + sessionDid
}

// Config tunes the cache client.
type Config struct {
	NodeID  string
	TTL     time.Duration
	Timeout time.Duration
}

// Client wraps two Redis connections: one for request/response commands and
// a dedicated one for the bus subscription, so command replies never block
// behind subscription delivery.
type Client struct {
	rdb     *redis.Client
	sub     *redis.Client
	nodeID  string
	ttl     time.Duration
	timeout time.Duration

	reconnects atomic.Int64
}

// Connect dials Redis twice (commands + subscriber) from the same URL.
func Connect(ctx context.Context, redisURL string, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		_ = sub.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewFromClients(rdb, sub, cfg), nil
}

// NewFromClients wraps existing connections (tests hand in miniredis-backed
// clients here).
func NewFromClients(rdb, sub *redis.Client, cfg Config) *Client {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		rdb:     rdb,
		sub:     sub,
		nodeID:  cfg.NodeID,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
	}
}

// Close releases both connections.
func (c *Client) Close() error {
	err := c.rdb.Close()
	if subErr := c.sub.Close(); err == nil {
		err = subErr
	}
	return err
}

// NodeID returns the publisher identity used for echo suppression.
func (c *Client) NodeID() string {
	return c.nodeID
}

// Reconnects reports how many times the bus subscription had to be
// re-established after a failure.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// GetSession reads the cached record for a session pair.
func (c *Client) GetSession(ctx context.Context, documentID, sessionDid string) (*SessionRecord, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	raw, err := c.rdb.Get(ctx, SessionKey(documentID, sessionDid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &rec, nil
}

// SetSession writes the record under the session key, refreshing the TTL.
func (c *Client) SetSession(ctx context.Context, rec *SessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, SessionKey(rec.DocumentID, rec.SessionDid), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// DeleteSession drops the cached record.
func (c *Client) DeleteSession(ctx context.Context, documentID, sessionDid string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.rdb.Del(ctx, SessionKey(documentID, sessionDid)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// AddClient inserts a client id into the cached client set. Single-key
// read-modify-write, last writer wins.
func (c *Client) AddClient(ctx context.Context, documentID, sessionDid, clientID string) (*SessionRecord, error) {
	rec, err := c.GetSession(ctx, documentID, sessionDid)
	if err != nil {
		return nil, err
	}
	for _, id := range rec.Clients {
		if id == clientID {
			return rec, nil
		}
	}
	rec.Clients = append(rec.Clients, clientID)
	if err := c.SetSession(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RemoveClient deletes a client id from the cached client set.
func (c *Client) RemoveClient(ctx context.Context, documentID, sessionDid, clientID string) (*SessionRecord, error) {
	rec, err := c.GetSession(ctx, documentID, sessionDid)
	if err != nil {
		return nil, err
	}
	kept := rec.Clients[:0]
	for _, id := range rec.Clients {
		if id != clientID {
			kept = append(kept, id)
		}
	}
	rec.Clients = kept
	if err := c.SetSession(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
