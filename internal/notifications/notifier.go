// Package notifications delivers chat events to websocket clients on this
// instance and fans them out to peer instances over Redis.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"chatgate/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventsChannel is the Redis channel every instance publishes accepted events to.
const EventsChannel = "chatgate:events"

// PeerEvent is an event relayed between instances.
type PeerEvent struct {
	Origin string          `json:"origin"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// Notifier publishes events to peers and delivers theirs back. With a nil
// Redis client every method is a no-op.
type Notifier struct {
	rdb        *redis.Client
	instanceID string
	channel    string
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{
		rdb:        rdb,
		instanceID: uuid.NewString(),
		channel:    EventsChannel,
	}
}

// InstanceID identifies this process on the events channel.
func (n *Notifier) InstanceID() string {
	return n.instanceID
}

// Enabled reports whether peer fan-out is active.
func (n *Notifier) Enabled() bool {
	return n.rdb != nil
}

// Publish sends an event to peer instances.
func (n *Notifier) Publish(ctx context.Context, eventType string, data any) error {
	if n.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	payload, err := json.Marshal(PeerEvent{Origin: n.instanceID, Type: eventType, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal peer event: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	observability.FanoutEvents.WithLabelValues("out").Inc()
	return nil
}

// Subscribe delivers events published by other instances until ctx is done.
// It returns once the subscription is confirmed.
func (n *Notifier) Subscribe(ctx context.Context, onEvent func(PeerEvent)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n.deliver(ctx, msg.Payload, onEvent)
			}
		}
	}()

	return nil
}

func (n *Notifier) deliver(ctx context.Context, payload string, onEvent func(PeerEvent)) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic in peer event handler",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	var ev PeerEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.WarnContext(ctx, "discarding malformed peer event", slog.String("error", err.Error()))
		return
	}
	if ev.Origin == n.instanceID {
		return
	}
	observability.FanoutEvents.WithLabelValues("in").Inc()
	onEvent(ev)
}
