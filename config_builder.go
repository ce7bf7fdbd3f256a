package authz

import (
	"strings"
	"time"
)

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Engine: EngineConfig{
				DecisionCacheTTL:   DefaultDecisionCacheTTL.Milliseconds(),
				AuditBatchSize:     128,
				AuditBufferSize:    4096,
				AuditFlushInterval: 250,
				StoreTimeout:       DefaultStoreTimeout.Milliseconds(),
				EvaluationTimeout:  DefaultEvaluationTimeout.Milliseconds(),
			},
		},
	}
}

func (b *ConfigBuilder) Version(v int) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddRule(r *PolicyRule) *ConfigBuilder {
	b.cfg.Rules = append(b.cfg.Rules, r)
	return b
}

func (b *ConfigBuilder) AddGrant(g *PermissionGrant) *ConfigBuilder {
	b.cfg.Grants = append(b.cfg.Grants, g)
	return b
}

func (b *ConfigBuilder) AddAccessClass(c AccessClass) *ConfigBuilder {
	b.cfg.Registry = append(b.cfg.Registry, c)
	return b
}

func (b *ConfigBuilder) AddRoleDefault(d RoleDefault) *ConfigBuilder {
	b.cfg.RoleDefaults = append(b.cfg.RoleDefaults, d)
	return b
}

// BlockEndpoints puts patterns under maintenance for every principal.
func (b *ConfigBuilder) BlockEndpoints(patterns ...string) *ConfigBuilder {
	b.cfg.Guardrails.BlockedEndpoints = append(b.cfg.Guardrails.BlockedEndpoints, patterns...)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Invalidation(redisAddr, channel string) *ConfigBuilder {
	b.cfg.Invalidation.RedisAddr = redisAddr
	b.cfg.Invalidation.Channel = channel
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

// RuleConfigBuilder builds an enabled ALLOW rule unless told otherwise.
type RuleConfigBuilder struct {
	r *PolicyRule
}

func NewRuleConfig(id, tenantID string) *RuleConfigBuilder {
	return &RuleConfigBuilder{
		r: &PolicyRule{
			ID:       id,
			TenantID: tenantID,
			Action:   AnyOperation,
			Effect:   EffectAllow,
			Enabled:  true,
		},
	}
}

func (rb *RuleConfigBuilder) Resource(pattern string) *RuleConfigBuilder {
	rb.r.Resource = pattern
	return rb
}

func (rb *RuleConfigBuilder) Action(op Operation) *RuleConfigBuilder {
	rb.r.Action = op
	return rb
}

func (rb *RuleConfigBuilder) Priority(pri int) *RuleConfigBuilder {
	rb.r.Priority = pri
	return rb
}

func (rb *RuleConfigBuilder) Deny() *RuleConfigBuilder {
	rb.r.Effect = EffectDeny
	return rb
}

func (rb *RuleConfigBuilder) Allow() *RuleConfigBuilder {
	rb.r.Effect = EffectAllow
	return rb
}

func (rb *RuleConfigBuilder) Disabled() *RuleConfigBuilder {
	rb.r.Enabled = false
	return rb
}

// When adds a condition. Several values for list conditions are joined.
func (rb *RuleConfigBuilder) When(key string, values ...string) *RuleConfigBuilder {
	if rb.r.Conditions == nil {
		rb.r.Conditions = make(map[string]string)
	}
	rb.r.Conditions[key] = strings.Join(values, ",")
	return rb
}

func (rb *RuleConfigBuilder) MaxScope(s DataScope) *RuleConfigBuilder {
	return rb.When(CondMaxScope, string(s))
}

func (rb *RuleConfigBuilder) CreatedAt(t time.Time) *RuleConfigBuilder {
	rb.r.CreatedAt = t
	return rb
}

func (rb *RuleConfigBuilder) Build() *PolicyRule {
	return rb.r
}

// GrantConfigBuilder builds an ALLOW grant at TENANT scope unless told otherwise.
type GrantConfigBuilder struct {
	g *PermissionGrant
}

func NewGrantConfig(id, tenantID, userID string) *GrantConfigBuilder {
	return &GrantConfigBuilder{
		g: &PermissionGrant{
			ID:             id,
			TenantID:       tenantID,
			UserID:         userID,
			Operation:      AnyOperation,
			PermissionType: EffectAllow,
			DataScope:      ScopeTenant,
		},
	}
}

func (gb *GrantConfigBuilder) Endpoint(pattern string) *GrantConfigBuilder {
	gb.g.Endpoint = pattern
	return gb
}

func (gb *GrantConfigBuilder) Operation(op Operation) *GrantConfigBuilder {
	gb.g.Operation = op
	return gb
}

func (gb *GrantConfigBuilder) Deny() *GrantConfigBuilder {
	gb.g.PermissionType = EffectDeny
	return gb
}

func (gb *GrantConfigBuilder) Scope(s DataScope) *GrantConfigBuilder {
	gb.g.DataScope = s
	return gb
}

func (gb *GrantConfigBuilder) ExpiresAt(t time.Time) *GrantConfigBuilder {
	gb.g.ExpiresAt = t
	return gb
}

func (gb *GrantConfigBuilder) Reason(reason, grantedBy string) *GrantConfigBuilder {
	gb.g.Reason = reason
	gb.g.GrantedBy = grantedBy
	return gb
}

func (gb *GrantConfigBuilder) CreatedAt(t time.Time) *GrantConfigBuilder {
	gb.g.CreatedAt = t
	return gb
}

func (gb *GrantConfigBuilder) Build() *PermissionGrant {
	return gb.g
}
