package relaygraph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPublishTimeout = 5 * time.Second

type RedisEventBusOptions struct {
	Prefix string
	Logger *zap.Logger
}

// RedisEventBus carries change events between processes that share a store, so a
// sync run by one process reaches viewers connected to another. Events published
// by a bus are not relayed back into the same bus.
type RedisEventBus struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
}

type redisEventEnvelope struct {
	Origin string      `json:"origin"`
	Event  ChangeEvent `json:"event"`
}

func NewRedisEventBus(client *redis.Client, opts RedisEventBusOptions) *RedisEventBus {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "relaygraph:"
	}
	return &RedisEventBus{
		client:  client,
		channel: prefix + "events",
		origin:  uuid.NewString(),
		logger:  opts.Logger,
	}
}

func NewRedisEventBusFromURL(rawURL string, opts RedisEventBusOptions) (*RedisEventBus, error) {
	parsed, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisEventBus(redis.NewClient(parsed), opts), nil
}

// Publish never blocks the sync path for longer than redisPublishTimeout; a lost
// event is logged and viewers catch up on the next change.
func (b *RedisEventBus) Publish(event ChangeEvent) {
	payload, err := json.Marshal(redisEventEnvelope{Origin: b.origin, Event: event})
	if err != nil {
		b.logger.Warn("encode change event failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("publish change event failed",
			zap.String("workspaceID", event.WorkspaceID),
			zap.String("changeKind", string(event.ChangeKind)),
			zap.Error(err),
		)
	}
}

// Relay forwards events published by other processes to local until ctx ends.
func (b *RedisEventBus) Relay(ctx context.Context, local Publisher) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			var envelope redisEventEnvelope
			if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
				b.logger.Warn("discarding undecodable change event", zap.Error(err))
				continue
			}
			if envelope.Origin == b.origin || envelope.Event.WorkspaceID == "" {
				continue
			}
			local.Publish(envelope.Event)
		}
	}
}

func (b *RedisEventBus) Close() error {
	return b.client.Close()
}

// Publishers fans one event out to every publisher in order.
type Publishers []Publisher

func (p Publishers) Publish(event ChangeEvent) {
	for _, publisher := range p {
		if publisher != nil {
			publisher.Publish(event)
		}
	}
}
