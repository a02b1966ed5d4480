// Package redisbus carries balance updates between instances over Redis pub/sub.
package redisbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/notify"
)

// DefaultChannel is the channel every instance publishes and listens on.
const DefaultChannel = "credit:balance:updated"

// Bus implements notify.Bus on a Redis client.
type Bus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// Connect dials and pings Redis.
func Connect(ctx context.Context, addr string, channel string, logger *zap.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisbus.ping: %w", err)
	}
	return New(client, channel, logger), nil
}

// New wraps a client. A nil logger discards warnings.
func New(client *redis.Client, channel string, logger *zap.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, channel: channel, logger: logger.Named("redisbus")}
}

func (bus *Bus) Publish(ctx context.Context, envelope notify.Envelope) error {
	payload, err := notify.EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	if err := bus.client.Publish(ctx, bus.channel, payload).Err(); err != nil {
		return fmt.Errorf("redisbus.publish: %w", err)
	}
	return nil
}

func (bus *Bus) Listen(ctx context.Context, handler func(notify.Envelope)) error {
	pubsub := bus.client.Subscribe(ctx, bus.channel)
	//nolint:errcheck
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redisbus.subscribe: %w", err)
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			bus.dispatch([]byte(message.Payload), handler)
		}
	}
}

func (bus *Bus) dispatch(payload []byte, handler func(notify.Envelope)) {
	envelope, err := notify.DecodeEnvelope(payload)
	if err != nil {
		bus.logger.Warn("dropping undecodable balance envelope", zap.String("channel", bus.channel), zap.Error(err))
		return
	}
	handler(envelope)
}

func (bus *Bus) Close() error {
	if err := bus.client.Close(); err != nil {
		return fmt.Errorf("redisbus.close: %w", err)
	}
	return nil
}
