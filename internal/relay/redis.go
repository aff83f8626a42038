package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes and subscribes through Redis Pub/Sub.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport connects to the Redis server described by opts.
func NewRedisTransport(opts *redis.Options) *RedisTransport {
	return &RedisTransport{client: redis.NewClient(opts)}
}

// Ping checks connectivity.
func (r *RedisTransport) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channels...)
	// Wait for one confirmation per channel so the caller knows the
	// subscription is live before it returns.
	for range channels {
		msg, err := ps.Receive(ctx)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("redis subscribe: %w", err)
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			ps.Close()
			return nil, fmt.Errorf("redis subscribe: unexpected reply %T", msg)
		}
	}
	return &redisSubscription{ps: ps}, nil
}

func (r *RedisTransport) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Receive(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("redis receive: %w", err)
	}
	return Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
