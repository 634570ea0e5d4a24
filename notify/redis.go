package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge/taskforge/core"
)

// RedisNotifierConfig configures the Redis publisher.
type RedisNotifierConfig struct {
	// ChannelPrefix namespaces the Redis pub/sub channels.
	// Default: "taskforge:events"
	ChannelPrefix string

	// Logger is an optional logger.
	Logger core.Logger
}

// RedisNotifier publishes engine events to Redis pub/sub so other
// processes can observe workflow progress. Message JSON goes to the
// channel {prefix}:{topic}.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger core.Logger
}

// NewRedisNotifier creates a Redis-backed notifier. The client should
// already be connected.
func NewRedisNotifier(client *redis.Client, config *RedisNotifierConfig) *RedisNotifier {
	prefix := "taskforge:events"
	var logger core.Logger
	if config != nil {
		if config.ChannelPrefix != "" {
			prefix = config.ChannelPrefix
		}
		logger = config.Logger
	}
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		logger: core.EnsureLogger(logger),
	}
}

// Publish sends the message as JSON on the topic's channel.
func (n *RedisNotifier) Publish(ctx context.Context, topic string, message map[string]interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("serializing event: %w", err)
	}
	channel := fmt.Sprintf("%s:%s", n.prefix, topic)
	if err := n.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	n.logger.DebugWithContext(ctx, "Event published", map[string]interface{}{
		"channel": channel,
	})
	return nil
}
