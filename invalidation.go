package authz

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InvalidationEvent travels between engine instances.
type InvalidationEvent struct {
	Target InvalidationTarget `json:"target"`
	// Origin is the publishing instance; receivers skip their own events.
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// InvalidationHandler consumes events delivered by a bus.
type InvalidationHandler func(ctx context.Context, ev InvalidationEvent)

// InvalidationBus broadcasts invalidations to every engine instance.
type InvalidationBus interface {
	Publish(ctx context.Context, ev InvalidationEvent) error
	// Subscribe delivers events to h until ctx is cancelled.
	Subscribe(ctx context.Context, h InvalidationHandler) error
}

// LocalInvalidationBus fans events out to in-process subscribers through a
// single worker goroutine. It connects engines sharing one process (tests,
// single-node deployments); multi-node deployments use a Redis bus.
type LocalInvalidationBus struct {
	mu       sync.RWMutex
	handlers map[int]InvalidationHandler
	nextID   int
	notifyCh chan InvalidationEvent
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewLocalInvalidationBus() *LocalInvalidationBus {
	b := &LocalInvalidationBus{
		handlers: make(map[int]InvalidationHandler),
		notifyCh: make(chan InvalidationEvent, 1024),
		stopCh:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *LocalInvalidationBus) run() {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-b.stopCh:
			return
		case ev := <-b.notifyCh:
			b.mu.RLock()
			hs := make([]InvalidationHandler, 0, len(b.handlers))
			for _, h := range b.handlers {
				hs = append(hs, h)
			}
			b.mu.RUnlock()
			for _, h := range hs {
				h(ctx, ev)
			}
		}
	}
}

func (b *LocalInvalidationBus) Publish(ctx context.Context, ev InvalidationEvent) error {
	select {
	case b.notifyCh <- ev:
		return nil
	case <-b.stopCh:
		return fmt.Errorf("invalidation bus closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalInvalidationBus) Subscribe(ctx context.Context, h InvalidationHandler) error {
	if h == nil {
		return fmt.Errorf("invalidation handler is required")
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-b.stopCh:
		}
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

// Close stops the worker. Pending events are dropped.
func (b *LocalInvalidationBus) Close() {
	b.once.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
	})
}

// ============================================================================
// LIFECYCLE EVENTS
// ============================================================================

// LifecycleEventType names an external event that affects authorization.
type LifecycleEventType string

const (
	EventSubscriptionActivated LifecycleEventType = "subscription.activated"
	EventSubscriptionExpired   LifecycleEventType = "subscription.expired"
	EventUserDeactivated       LifecycleEventType = "user.deactivated"
	EventGrantChanged          LifecycleEventType = "grant.changed"
	EventRuleChanged           LifecycleEventType = "rule.changed"
	EventPolicyReloaded        LifecycleEventType = "policy.reloaded"
)

// LifecycleEvent is emitted by collaborators such as the subscription and
// user services or the outbox relay.
type LifecycleEvent struct {
	Type     LifecycleEventType `json:"type"`
	TenantID string             `json:"tenant_id,omitempty"`
	UserID   string             `json:"user_id,omitempty"`
}

// TargetFor maps a lifecycle event onto the cache entries it makes stale.
func TargetFor(ev LifecycleEvent) (InvalidationTarget, error) {
	switch ev.Type {
	case EventSubscriptionActivated, EventSubscriptionExpired:
		if ev.TenantID == "" {
			return InvalidationTarget{}, invalid("tenant_id", "required for %s", ev.Type)
		}
		return TenantTarget(ev.TenantID), nil
	case EventUserDeactivated, EventGrantChanged:
		if ev.UserID == "" {
			return InvalidationTarget{}, invalid("user_id", "required for %s", ev.Type)
		}
		return UserTarget(ev.UserID), nil
	case EventRuleChanged:
		if ev.TenantID == "" {
			return AllTarget(), nil
		}
		return TenantTarget(ev.TenantID), nil
	case EventPolicyReloaded:
		return AllTarget(), nil
	}
	return InvalidationTarget{}, invalid("type", "unknown lifecycle event %q", ev.Type)
}

// InvalidationListener ties an engine to its bus: it applies events published
// by other instances and turns lifecycle events into invalidations.
type InvalidationListener struct {
	engine *Engine
	bus    InvalidationBus
}

func NewInvalidationListener(engine *Engine, bus InvalidationBus) *InvalidationListener {
	return &InvalidationListener{engine: engine, bus: bus}
}

// Start subscribes to the bus until ctx is cancelled.
func (l *InvalidationListener) Start(ctx context.Context) error {
	if l.bus == nil {
		return nil
	}
	return l.bus.Subscribe(ctx, func(_ context.Context, ev InvalidationEvent) {
		if ev.Origin == l.engine.instanceID {
			return
		}
		l.engine.cache.Invalidate(ev.Target)
		l.engine.logger.Debug("applied remote invalidation", "kind", string(ev.Target.Kind), "origin", ev.Origin)
	})
}

// HandleLifecycleEvent invalidates locally and broadcasts to the other instances.
func (l *InvalidationListener) HandleLifecycleEvent(ctx context.Context, ev LifecycleEvent) error {
	target, err := TargetFor(ev)
	if err != nil {
		return err
	}
	l.engine.Invalidate(ctx, target)
	return nil
}
