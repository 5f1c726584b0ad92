// Package notify pushes job-completion events to interested listeners.
// The dispatcher publishes fire-and-forget; a lost event only delays a
// consumer until it polls the job summary instead.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Event announces one job reaching a terminal status.
type Event struct {
	JobID    string `json:"job_id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}

// Notifier publishes completion events.
type Notifier interface {
	JobCompleted(ctx context.Context, ev Event) error
}

// RedisNotifier publishes events on a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedis(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "jobs:completed"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) JobCompleted(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Noop drops events, for deployments without a notification channel.
type Noop struct{}

func (Noop) JobCompleted(context.Context, Event) error { return nil }
