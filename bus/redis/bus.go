package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/sessiongate/domain"
)

// Bus implements the domain.Broadcaster interface over Redis Pub/Sub.
// One channel exists per resource, so events can never leak across
// resources. Delivery is at-most-once: a dropped message only delays
// convergence until the receiver's next tick against the record store.
type Bus struct {
	client *redis.Client
	prefix string // Optional prefix for channel names
}

// NewBus creates a new [Bus] instance.
func NewBus(client *redis.Client, prefix string) *Bus {
	return &Bus{
		client: client,
		prefix: prefix,
	}
}

// channelName returns the Pub/Sub channel for a given resource.
func (b *Bus) channelName(resourceID string) string {
	return fmt.Sprintf("%s:events:%s", b.prefix, resourceID)
}

// Publish sends a JSON-encoded lifecycle event on the resource's channel.
func (b *Bus) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channelName(event.ResourceID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	return nil
}

// Subscribe opens the resource's channel and dispatches decoded events to
// handler on a dedicated goroutine until the subscription is closed.
func (b *Bus) Subscribe(ctx context.Context, resourceID string, handler func(*domain.LifecycleEvent)) (domain.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channelName(resourceID))

	// Confirm the subscription before reporting the channel as open.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to lifecycle channel: %w", err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var event domain.LifecycleEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn().Err(err).Str("resourceID", resourceID).Msg("Dropping undecodable lifecycle event")
				continue
			}
			handler(&event)
		}
	}()

	return &redisSubscription{pubsub: pubsub}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

// Close terminates the subscription and its dispatch goroutine. go-redis
// tolerates repeated Close calls, which keeps teardown idempotent.
func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

var _ domain.Broadcaster = (*Bus)(nil)
