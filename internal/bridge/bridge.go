// Package bridge replicates locally-originated events to peer chatrelay
// instances over Redis Pub/Sub and re-injects events received from peers into
// local fan-out. The two halves are independent: the publisher is invoked per
// event after local broadcast, and the subscriber runs as one long-lived
// goroutine from broker connect until shutdown.
//
// Delivery is best-effort, at-least-once locally: a publish failure never
// rolls back the local broadcast that already happened, and the subscriber
// skips individual bad messages rather than terminating.
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/event"
)

// Broker channel names. These are deliberately not namespaced per instance:
// replication only works because every instance shares the same two channels.
const (
	// ChatChannel carries replicated chat events.
	ChatChannel = "chat_messages"

	// SystemChannel carries replicated system notices.
	SystemChannel = "system_messages"
)

// Broadcaster is the local fan-out the subscriber hands replicated events to.
// Satisfied by *registry.Registry.
type Broadcaster interface {
	BroadcastLocal(ctx context.Context, ev *event.Event)
}

// Bridge is the cross-instance replication component for one instance.
type Bridge struct {
	rdb        *redis.Client
	instanceID string
	local      Broadcaster
	healthy    atomic.Bool
}

// New creates a bridge over an existing Redis client. The caller owns the
// client's lifecycle.
func New(rdb *redis.Client, instanceID string, local Broadcaster) *Bridge {
	return &Bridge{
		rdb:        rdb,
		instanceID: instanceID,
		local:      local,
	}
}

// Publish stamps the event's originating instance ID (only if it is not
// already stamped from local origin), serializes it, and sends it to the
// broker channel. Callers must not treat a returned error as a reason to
// undo the local broadcast already performed.
func (b *Bridge) Publish(ctx context.Context, channel string, ev *event.Event) error {
	if ev.InstanceID == "" {
		ev.InstanceID = b.instanceID
	}

	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("failed to serialize event for %s: %w", channel, err)
	}

	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Start subscribes to both broker channels and launches the listener
// goroutine. The subscription is confirmed before Start returns, so callers
// can establish it before accepting any client traffic and no early
// cross-instance message slips past. The listener runs until ctx is
// cancelled and releases its subscription on every exit path.
//
// A Start failure means the instance operates in local-only mode; it is
// surfaced through Healthy, never as a process crash.
func (b *Bridge) Start(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, ChatChannel, SystemChannel)

	// Confirm the subscription before declaring the bridge live.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to broker channels: %w", err)
	}

	b.healthy.Store(true)
	log.Printf("[Bridge] Subscribed to channels: %s, %s", ChatChannel, SystemChannel)

	go b.listen(ctx, pubsub)
	return nil
}

// listen pumps broker messages into local fan-out until shutdown.
func (b *Bridge) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer func() {
		b.healthy.Store(false)
		pubsub.Close()
		log.Printf("[Bridge] Listener stopped")
	}()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(ctx, msg)
		}
	}
}

// handleMessage decodes one broker message, suppresses echoes of this
// instance's own events, and hands the rest to local fan-out. Decode failures
// skip the single offending message; the listener never dies on bad input.
//
// Replicated events are never persisted here: the originating instance
// already stored them, and double-writing would duplicate history.
func (b *Bridge) handleMessage(ctx context.Context, msg *redis.Message) {
	ev, err := event.Decode([]byte(msg.Payload))
	if err != nil {
		log.Printf("[Bridge] Skipping undecodable broker message on %s: %v", msg.Channel, err)
		return
	}

	if ev.InstanceID == b.instanceID {
		// Echo of our own publish; already delivered locally before publishing.
		return
	}

	b.local.BroadcastLocal(ctx, ev)
}

// Healthy reports whether the subscriber half is live. False means the
// instance is serving local traffic only, with no cross-instance reach.
func (b *Bridge) Healthy() bool {
	return b.healthy.Load()
}
