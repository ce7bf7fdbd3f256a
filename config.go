package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete authz configuration
type Config struct {
	Version      int                `json:"version" yaml:"version"`
	Engine       EngineConfig       `json:"engine" yaml:"engine"`
	Invalidation InvalidationConfig `json:"invalidation" yaml:"invalidation"`
	Guardrails   GuardrailConfig    `json:"guardrails" yaml:"guardrails"`
	Registry     []AccessClass      `json:"registry,omitempty" yaml:"registry,omitempty"`
	RoleDefaults []RoleDefault      `json:"role_defaults,omitempty" yaml:"role_defaults,omitempty"`
	Rules        []*PolicyRule      `json:"rules,omitempty" yaml:"rules,omitempty"`
	Grants       []*PermissionGrant `json:"grants,omitempty" yaml:"grants,omitempty"`
}

// EngineConfig durations are in milliseconds.
type EngineConfig struct {
	InstanceID          string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	DecisionCacheTTL    int64  `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64  `json:"ristretto_buffer" yaml:"ristretto_buffer"`
	AuditBatchSize      int    `json:"audit_batch_size" yaml:"audit_batch_size"`
	AuditBufferSize     int    `json:"audit_buffer_size" yaml:"audit_buffer_size"`
	AuditFlushInterval  int64  `json:"audit_flush_interval_ms" yaml:"audit_flush_interval_ms"`
	StoreTimeout        int64  `json:"store_timeout_ms" yaml:"store_timeout_ms"`
	EvaluationTimeout   int64  `json:"evaluation_timeout_ms" yaml:"evaluation_timeout_ms"`
}

// InvalidationConfig selects the cross-instance broadcast. An empty RedisAddr
// keeps invalidation process-local; stores.NewEngineFromConfig wires Redis
// when it is set.
type InvalidationConfig struct {
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	Channel       string `json:"channel,omitempty" yaml:"channel,omitempty"`
	// LifecycleChannel carries user and tenant lifecycle events from other
	// services. Empty disables lifecycle listening.
	LifecycleChannel string `json:"lifecycle_channel,omitempty" yaml:"lifecycle_channel,omitempty"`
}

type GuardrailConfig struct {
	BlockedEndpoints []string `json:"blocked_endpoints,omitempty" yaml:"blocked_endpoints,omitempty"`
	// CompanyTypes replaces the default company type matrix when set.
	CompanyTypes []CompanyTypeRule `json:"company_types,omitempty" yaml:"company_types,omitempty"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension; anything but .json is YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks every declared rule, grant, access class and role default.
func (c *Config) Validate() error {
	var errs []error
	for i, r := range c.Rules {
		if err := ValidateRule(r); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
		}
	}
	for i, g := range c.Grants {
		if err := ValidateGrant(g); err != nil {
			errs = append(errs, fmt.Errorf("grants[%d]: %w", i, err))
		}
	}
	for i, ac := range c.Registry {
		if err := validateResource("pattern", ac.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("registry[%d]: %w", i, err))
		}
		if ac.DefaultScope != "" && !ac.DefaultScope.Valid() {
			errs = append(errs, fmt.Errorf("registry[%d]: %w", i, invalid("default_scope", "unknown scope %q", ac.DefaultScope)))
		}
	}
	for i, d := range c.RoleDefaults {
		if d.Role == "" {
			errs = append(errs, fmt.Errorf("role_defaults[%d]: %w", i, invalid("role", "is required")))
		}
		if !d.MaxScope.Valid() {
			errs = append(errs, fmt.Errorf("role_defaults[%d]: %w", i, invalid("max_scope", "unknown scope %q", d.MaxScope)))
		}
	}
	for i, ct := range c.Guardrails.CompanyTypes {
		if ct.CompanyType == "" {
			errs = append(errs, fmt.Errorf("guardrails.company_types[%d]: %w", i, invalid("company_type", "is required")))
		}
	}
	return errors.Join(errs...)
}

// EngineOptions translates the static parts of the configuration. Guardrails
// and the registry are fixed here because they cannot change at runtime.
func (c *Config) EngineOptions() []EngineOption {
	ec := c.Engine
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

	var opts []EngineOption
	if ec.InstanceID != "" {
		opts = append(opts, WithInstanceID(ec.InstanceID))
	}
	opts = append(opts, WithCacheOptions(CacheOptions{
		TTL:         ms(ec.DecisionCacheTTL),
		NumCounters: ec.RistrettoNumCounter,
		MaxCost:     ec.RistrettoMaxCost,
		BufferItems: ec.RistrettoBuffer,
	}))
	opts = append(opts, WithAuditOptions(AuditOptions{
		BufferSize:    ec.AuditBufferSize,
		BatchSize:     ec.AuditBatchSize,
		FlushInterval: ms(ec.AuditFlushInterval),
	}))
	if ec.StoreTimeout > 0 {
		opts = append(opts, WithStoreTimeout(ms(ec.StoreTimeout)))
	}
	if ec.EvaluationTimeout > 0 {
		opts = append(opts, WithEvaluationTimeout(ms(ec.EvaluationTimeout)))
	}

	reg := DefaultEndpointRegistry()
	if len(c.Registry) > 0 {
		reg = NewEndpointRegistry(c.Registry...)
	}
	opts = append(opts, WithRegistry(reg))
	opts = append(opts, WithGuardrails(DefaultGuardrails(reg, c.Guardrails.BlockedEndpoints, c.Guardrails.CompanyTypes)))
	if len(c.RoleDefaults) > 0 {
		opts = append(opts, WithRoleDefaults(c.RoleDefaults))
	}
	return opts
}

// NewEngineFromConfig validates cfg and builds an engine over the stores.
// extra options are applied after the configured ones.
func NewEngineFromConfig(cfg *Config, rules RuleStore, grants GrantStore, audit AuditStore, extra ...EngineOption) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts := append(cfg.EngineOptions(), extra...)
	return NewEngine(rules, grants, audit, opts...)
}

// ApplyConfig seeds the stores with the configured rules and grants. Existing
// rules are updated; grants already present are left alone.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	for _, r := range cfg.Rules {
		_, err := e.ruleStore.GetRule(ctx, r.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			err = e.CreateRule(ctx, r)
		case err == nil:
			err = e.UpdateRule(ctx, r)
		}
		if err != nil {
			return fmt.Errorf("apply rule %s: %w", r.ID, err)
		}
	}
	for _, g := range cfg.Grants {
		if g.ID != "" {
			if _, err := e.grantStore.GetGrant(ctx, g.ID); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("apply grant %s: %w", g.ID, err)
			}
		}
		if err := e.CreateGrant(ctx, g); err != nil {
			return fmt.Errorf("apply grant %s: %w", g.ID, err)
		}
	}
	e.logger.Info("configuration applied", "rules", len(cfg.Rules), "grants", len(cfg.Grants))
	return nil
}
