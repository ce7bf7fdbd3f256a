package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fabricmanagement/authz"
)

// ClusterEngine is an engine whose cache invalidations reach every instance
// sharing its Redis channel.
type ClusterEngine struct {
	*authz.Engine
	// Bus is nil when the configuration keeps invalidation process-local.
	Bus *RedisInvalidationBus

	client *redis.Client
	cancel context.CancelFunc
}

// NewEngineFromConfig builds an engine like authz.NewEngineFromConfig. When
// cfg names a Redis address the engine broadcasts its invalidations there and
// applies those of other instances until Close or until ctx is cancelled.
func NewEngineFromConfig(ctx context.Context, cfg *authz.Config, rules authz.RuleStore, grants authz.GrantStore, audit authz.AuditStore, extra ...authz.EngineOption) (*ClusterEngine, error) {
	if cfg == nil {
		cfg = &authz.Config{}
	}
	ic := cfg.Invalidation
	if ic.RedisAddr == "" {
		engine, err := authz.NewEngineFromConfig(cfg, rules, grants, audit, extra...)
		if err != nil {
			return nil, err
		}
		return &ClusterEngine{Engine: engine}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: ic.RedisAddr, Password: ic.RedisPassword, DB: ic.RedisDB})
	bus := NewRedisInvalidationBus(client, ic.Channel, nil)
	opts := append([]authz.EngineOption{authz.WithInvalidationBus(bus)}, extra...)
	engine, err := authz.NewEngineFromConfig(cfg, rules, grants, audit, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	bus.logger = engine.Logger()

	lctx, cancel := context.WithCancel(ctx)
	ce := &ClusterEngine{Engine: engine, Bus: bus, client: client, cancel: cancel}
	listener := authz.NewInvalidationListener(engine, bus)
	if err := listener.Start(lctx); err != nil {
		_ = ce.Close(context.Background())
		return nil, fmt.Errorf("start invalidation listener: %w", err)
	}
	if ic.LifecycleChannel != "" {
		if err := bus.ListenLifecycle(lctx, ic.LifecycleChannel, listener); err != nil {
			_ = ce.Close(context.Background())
			return nil, fmt.Errorf("start lifecycle listener: %w", err)
		}
	}
	engine.Logger().Info("cross-instance invalidation enabled", "redis", ic.RedisAddr, "channel", bus.channel, "instance", engine.InstanceID())
	return ce, nil
}

// Close stops the subscriptions, drains the engine and releases the client.
func (c *ClusterEngine) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.Engine.Close(ctx)
	if c.client != nil {
		err = errors.Join(err, c.client.Close())
	}
	return err
}
