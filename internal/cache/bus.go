package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fileverse/collab-relay/internal/retry"
)

// ChannelSessionEvents is the single pub/sub channel carrying all
// cross-node session events.
const ChannelSessionEvents = "session_events"

// EventKind tags bus messages.
type EventKind string

// Bus event kinds.
const (
	KindSessionCreated  EventKind = "SESSION_CREATED"
	KindSessionUpdated  EventKind = "SESSION_UPDATED"
	KindSessionDeleted  EventKind = "SESSION_DELETED"
	KindClientJoined    EventKind = "CLIENT_JOINED"
	KindClientLeft      EventKind = "CLIENT_LEFT"
	KindRoomInfoUpdated EventKind = "ROOM_INFO_UPDATED"
	KindBroadcast       EventKind = "BROADCAST_MESSAGE"
)

// Event is one bus message. NodeID names the publisher so subscribers can
// drop their own echo. For BROADCAST_MESSAGE, Payload carries the
// pre-serialized client frame and ExcludeClientID the originating client.
type Event struct {
	Kind            EventKind       `json:"kind"`
	NodeID          string          `json:"nodeId"`
	DocumentID      string          `json:"documentId"`
	SessionDid      string          `json:"sessionDid"`
	ClientID        string          `json:"clientId,omitempty"`
	ExcludeClientID string          `json:"excludeClientId,omitempty"`
	RoomInfo        json.RawMessage `json:"roomInfo,omitempty"`
	Session         *SessionRecord  `json:"session,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Publish sends an event on the session channel, stamping the node id.
func (c *Client) Publish(ctx context.Context, ev Event) error {
	ev.NodeID = c.nodeID
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode bus event: %w", err)
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.rdb.Publish(ctx, ChannelSessionEvents, raw).Err(); err != nil {
		return fmt.Errorf("bus publish: %w", err)
	}
	return nil
}

// Subscribe starts the bus subscription loop in a goroutine. The handler is
// invoked for every event published by other nodes; this node's own echo is
// suppressed. The loop resubscribes with backoff on transient failure and
// exits when ctx is cancelled. During an outage local fan-out keeps working;
// only cross-node delivery pauses.
func (c *Client) Subscribe(ctx context.Context, handler func(Event)) {
	go func() {
		first := true
		err := retry.Do(ctx, retry.Forever(), "bus-subscribe", func(ctx context.Context) error {
			if !first {
				c.reconnects.Add(1)
			}
			first = false

			sub := c.sub.Subscribe(ctx, ChannelSessionEvents)
			defer func() { _ = sub.Close() }()

			if _, err := sub.Receive(ctx); err != nil {
				return fmt.Errorf("bus subscribe: %w", err)
			}
			slog.Info("Bus subscription established", "channel", ChannelSessionEvents)

			ch := sub.Channel()
			for {
				select {
				case <-ctx.Done():
					return retry.Permanent(ctx.Err())
				case msg, ok := <-ch:
					if !ok {
						return errors.New("bus subscription closed")
					}
					c.dispatch(msg.Payload, handler)
				}
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Bus subscription loop exited", "error", err)
		}
	}()
}

func (c *Client) dispatch(payload string, handler func(Event)) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Warn("Dropping malformed bus event", "error", err)
		return
	}
	if ev.NodeID == c.nodeID {
		return
	}
	handler(ev)
}
