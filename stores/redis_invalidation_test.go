package stores

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fabricmanagement/authz"
)

func TestRedisInvalidationBusRoundtrip(t *testing.T) {
	addr := os.Getenv("AUTHZ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHZ_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewRedisInvalidationBus(client, "authz:test:"+time.Now().Format("150405.000000000"), nil)

	got := make(chan authz.InvalidationEvent, 1)
	if err := bus.Subscribe(ctx, func(_ context.Context, ev authz.InvalidationEvent) { got <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sent := authz.InvalidationEvent{Target: authz.UserTarget("u1"), Origin: "node-a", At: time.Now().UTC()}
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Origin != "node-a" || ev.Target.Kind != authz.InvalidateUserKind || ev.Target.UserID != "u1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("event not delivered")
	}
}

func TestNewEngineFromConfigWithoutRedis(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngineFromConfig(ctx, &authz.Config{}, NewMemoryRuleStore(), NewMemoryGrantStore(), NewMemoryAuditStore())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if engine.Bus != nil {
		t.Fatalf("no redis address configured, got a bus")
	}
	if err := engine.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewEngineFromConfigBroadcasts(t *testing.T) {
	addr := os.Getenv("AUTHZ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHZ_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	suffix := time.Now().Format("150405.000000000")
	rules, grants := NewMemoryRuleStore(), NewMemoryGrantStore()
	node := func(id string) *ClusterEngine {
		cfg := &authz.Config{
			Engine: authz.EngineConfig{InstanceID: id},
			Invalidation: authz.InvalidationConfig{
				RedisAddr:        addr,
				Channel:          "authz:test:inv:" + suffix,
				LifecycleChannel: "authz:test:life:" + suffix,
			},
		}
		e, err := NewEngineFromConfig(ctx, cfg, rules, grants, NewMemoryAuditStore())
		if err != nil {
			t.Fatalf("engine %s: %v", id, err)
		}
		if e.Bus == nil {
			t.Fatalf("engine %s: redis address ignored", id)
		}
		t.Cleanup(func() { _ = e.Close(context.Background()) })
		return e
	}
	a, b := node("node-a"), node("node-b")

	req := authz.Request{
		TenantID:  "t1",
		Principal: authz.Principal{ID: "u1", TenantID: "t1", Roles: []string{authz.RoleAdmin}, CompanyType: authz.CompanyInternal},
		Resource:  "/api/v1/orders",
		Action:    "DELETE",
		Scope:     authz.ScopeTenant,
	}
	key := authz.CacheKey{TenantID: "t1", PrincipalID: "u1", Resource: "/api/v1/orders", Action: authz.OpDelete, Scope: authz.ScopeTenant}
	warm := func() {
		t.Helper()
		if dec, err := b.Evaluate(ctx, req); err != nil || !dec.Allowed {
			t.Fatalf("warm node b: %+v, %v", dec, err)
		}
		b.DecisionCache().Wait()
		if _, ok := b.DecisionCache().Get(key); !ok {
			t.Fatalf("node b did not cache the decision")
		}
	}
	waitDropped := func(what string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, ok := b.DecisionCache().Get(key); !ok {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("node b kept its cached decision after %s", what)
	}

	warm()
	deny := &authz.PolicyRule{ID: "no-delete", TenantID: "t1", Resource: "/api/v1/orders", Action: authz.OpDelete, Priority: 10, Effect: authz.EffectDeny, Enabled: true}
	if err := a.CreateRule(ctx, deny); err != nil {
		t.Fatalf("create rule on node a: %v", err)
	}
	waitDropped("a rule change on node a")
	if dec, _ := b.Evaluate(ctx, req); dec.Allowed {
		t.Fatalf("node b still allows after the rule change")
	}

	if err := a.DeleteRule(ctx, "no-delete"); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	b.DecisionCache().Wait()
	waitDropped("the rule deletion")
	warm()
	ev := authz.LifecycleEvent{Type: authz.EventUserDeactivated, TenantID: "t1", UserID: "u1"}
	if err := a.Bus.PublishLifecycle(ctx, "authz:test:life:"+suffix, ev); err != nil {
		t.Fatalf("publish lifecycle: %v", err)
	}
	waitDropped("a lifecycle event")
}
