package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/crmdesk/call-signaling/internal/redis"
)

const redisSubscriptionBuffer = 256

// RedisPubSub carries topics over Redis PUBLISH/SUBSCRIBE so that every
// replica sees the messages for the users connected to it.
type RedisPubSub struct {
	client *redisclient.Client
}

func NewRedisPubSub(client *redisclient.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (p *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (p *RedisPubSub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	rps := p.client.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so messages published after
	// Subscribe returns are not missed.
	if _, err := rps.Receive(ctx); err != nil {
		rps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan []byte, redisSubscriptionBuffer)
	sub := newSubscription(topic, out, func() { rps.Close() })

	log.Debug().Str("topic", topic).Msg("redis pubsub subscribed")

	go func() {
		defer sub.Close()
		ch := rps.Channel(redis.WithChannelSize(redisSubscriptionBuffer))
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-sub.Done():
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

// Close is a no-op; the underlying client is owned by the caller.
func (p *RedisPubSub) Close() error {
	return nil
}
