package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fabricmanagement/authz"
	"github.com/fabricmanagement/authz/logger"
)

const (
	DefaultInvalidationChannel = "authz:invalidation"
	DefaultLifecycleChannel    = "authz:lifecycle"
)

// RedisInvalidationBus broadcasts cache invalidations between engine instances
// over Redis pub/sub.
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
	logger  logger.Logger
}

func NewRedisInvalidationBus(client *redis.Client, channel string, l logger.Logger) *RedisInvalidationBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &RedisInvalidationBus{client: client, channel: channel, logger: l}
}

func (b *RedisInvalidationBus) Publish(ctx context.Context, ev authz.InvalidationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis invalidation: publish: %w", err)
	}
	return nil
}

// Subscribe confirms the subscription before returning, then delivers events
// from a background goroutine until ctx is cancelled.
func (b *RedisInvalidationBus) Subscribe(ctx context.Context, h authz.InvalidationHandler) error {
	return b.listen(ctx, b.channel, func(ctx context.Context, payload string) {
		var ev authz.InvalidationEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.logger.Error("malformed invalidation event", "channel", b.channel, "error", err)
			return
		}
		h(ctx, ev)
	})
}

// ListenLifecycle feeds lifecycle events published by other services on
// channel into l.
func (b *RedisInvalidationBus) ListenLifecycle(ctx context.Context, channel string, l *authz.InvalidationListener) error {
	if channel == "" {
		channel = DefaultLifecycleChannel
	}
	return b.listen(ctx, channel, func(ctx context.Context, payload string) {
		var ev authz.LifecycleEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.logger.Error("malformed lifecycle event", "channel", channel, "error", err)
			return
		}
		if err := l.HandleLifecycleEvent(ctx, ev); err != nil {
			b.logger.Warn("lifecycle event rejected", "type", string(ev.Type), "error", err)
		}
	})
}

// PublishLifecycle is the producer side of ListenLifecycle.
func (b *RedisInvalidationBus) PublishLifecycle(ctx context.Context, channel string, ev authz.LifecycleEvent) error {
	if channel == "" {
		channel = DefaultLifecycleChannel
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisInvalidationBus) listen(ctx context.Context, channel string, handle func(context.Context, string)) error {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis invalidation: subscribe %s: %w", channel, err)
	}
	msgs := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				handle(ctx, msg.Payload)
			}
		}
	}()
	return nil
}
