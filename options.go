package authz

import (
	"fmt"
	"time"
)

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine) error

// WithClock replaces time.Now. Expiry, cache TTL and audit timestamps all use it.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("clock is nil")
		}
		e.now = now
		return nil
	}
}

func WithDecisionCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("decision cache ttl must be positive, got %s", ttl)
		}
		e.cacheOpts.TTL = ttl
		return nil
	}
}

// WithCacheOptions sizes the ristretto decision cache. Zero fields keep defaults.
func WithCacheOptions(opts CacheOptions) EngineOption {
	return func(e *Engine) error {
		if opts.TTL == 0 {
			opts.TTL = e.cacheOpts.TTL
		}
		e.cacheOpts = opts
		return nil
	}
}

func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("store timeout must be positive, got %s", d)
		}
		e.storeTimeout = d
		return nil
	}
}

func WithEvaluationTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("evaluation timeout must be positive, got %s", d)
		}
		e.evalTimeout = d
		return nil
	}
}

// WithGuardrails replaces the default guardrail chain. Guardrails cannot be
// changed after construction.
func WithGuardrails(g *GuardrailEvaluator) EngineOption {
	return func(e *Engine) error {
		e.guardrails = g
		return nil
	}
}

func WithRegistry(r *EndpointRegistry) EngineOption {
	return func(e *Engine) error {
		e.registry = r
		return nil
	}
}

func WithRoleDefaults(defaults []RoleDefault) EngineOption {
	return func(e *Engine) error {
		e.roles = NewRoleDefaultResolver(defaults)
		return nil
	}
}

// WithInvalidationBus makes Invalidate broadcast to other instances.
func WithInvalidationBus(bus InvalidationBus) EngineOption {
	return func(e *Engine) error {
		e.bus = bus
		return nil
	}
}

func WithAuditOptions(opts AuditOptions) EngineOption {
	return func(e *Engine) error {
		e.auditOpts = opts
		return nil
	}
}

// WithInstanceID names this engine on the invalidation bus. Defaults to a uuid.
func WithInstanceID(id string) EngineOption {
	return func(e *Engine) error {
		if id == "" {
			return fmt.Errorf("instance id is empty")
		}
		e.instanceID = id
		return nil
	}
}
