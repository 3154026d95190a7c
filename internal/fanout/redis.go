package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "decision-core:events:"

// RedisPublisher publishes events with Redis PUBLISH so other replicas can
// relay them to their own subscribers.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher wraps client; channels are namespaced with prefix.
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Publish marshals event and publishes it on the prefixed channel.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Relay forwards every event published under prefix into bus until ctx is
// done. It lets WebSocket subscribers on this replica see decisions made by
// any replica.
func Relay(ctx context.Context, client redis.UniversalClient, prefix string, bus *Bus, logger *slog.Logger) error {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := client.PSubscribe(ctx, prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("dropping undecodable relayed event", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			channel := strings.TrimPrefix(msg.Channel, prefix)
			if err := bus.Publish(ctx, channel, event); err != nil {
				logger.Warn("relay publish failed", slog.String("channel", channel), slog.Any("error", err))
			}
		}
	}
}

// RunRelay keeps Relay running until ctx is done, restarting it with
// exponential backoff whenever the subscription fails or drops.
func RunRelay(ctx context.Context, client redis.UniversalClient, prefix string, bus *Bus, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	retryRelay(ctx, func(ctx context.Context) error {
		return Relay(ctx, client, prefix, bus, logger)
	}, logger, 100*time.Millisecond, 30*time.Second)
}

func retryRelay(ctx context.Context, run func(context.Context) error, logger *slog.Logger, minBackoff, maxBackoff time.Duration) {
	backoff := minBackoff
	for {
		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		// A subscription that held for a while starts the backoff over.
		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		logger.Warn("fanout relay stopped, restarting",
			slog.Duration("backoff", backoff),
			slog.Any("error", err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
