package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher emits realtime events over Redis pub/sub, one channel per
// tenant, for the gateway serving connected clients.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher builds a publisher with the configured channel prefix.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "events"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, tenantID, event string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := fmt.Sprintf("%s:%s", p.prefix, tenantID)
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
