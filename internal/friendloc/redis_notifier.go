package friendloc

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultUpdatesChannel = "friendloc:updates"

// RedisNotifier uses Redis PUBLISH/SUBSCRIBE. go-redis reconnects a PubSub on
// its own, so Done only fires when the PubSub is closed for good.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier constructs the notifier.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = defaultUpdatesChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Notify publishes the changed user id.
func (r *RedisNotifier) Notify(ctx context.Context, userID string) error {
	if err := r.client.Publish(ctx, r.channel, userID).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a PubSub and waits for the subscription confirmation.
func (r *RedisNotifier) Subscribe(ctx context.Context) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	sub := newSubscription(64, ps.Close)
	go func() {
		defer sub.Close() //nolint:errcheck
		msgs := ps.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !sub.deliver(msg.Payload) {
					return
				}
			}
		}
	}()
	return sub, nil
}
