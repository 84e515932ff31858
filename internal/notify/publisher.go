// Package notify publishes compact telemetry events for the (external)
// WebSocket push layer over redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Event kinds.
const (
	EventOrderUpserted  = "order_upserted"
	EventBalanceUpdated = "balance_updated"
	EventListenerStatus = "listener_status"
	EventApiErrors      = "api_errors"
	EventChartReceived  = "chart_received"
)

// Event is one push notification addressed to a user channel.
type Event struct {
	ID       uuid.UUID      `json:"id"`
	Kind     string         `json:"kind"`
	ServerID int64          `json:"server_id"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher delivers events to the push layer. The WebSocket server is an
// external collaborator; only this interface is part of the core.
type Publisher interface {
	Publish(ctx context.Context, userID int64, event Event) error
}

// RedisPublisher fans events out on per-user redis channels.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: "botfleet:events"}
}

func (p *RedisPublisher) Publish(ctx context.Context, userID int64, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	channel := fmt.Sprintf("%s:%d", p.channel, userID)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// NopPublisher drops events; used when redis is not configured and in
// tests.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, userID int64, event Event) error {
	logrus.WithFields(logrus.Fields{
		"kind":    event.Kind,
		"user_id": userID,
	}).Trace("Event dropped (no publisher)")
	return nil
}
