package authz_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fabricmanagement/authz"
	"github.com/fabricmanagement/authz/stores"
)

const sampleConfig = `
version: 1
engine:
  instance_id: node-1
  decision_cache_ttl_ms: 60000
  store_timeout_ms: 40
  evaluation_timeout_ms: 200
guardrails:
  blocked_endpoints: ["/api/v1/legacy/**"]
registry:
  - pattern: /api/v1/settings/**
    requires_grant: true
    default_scope: TENANT
role_defaults:
  - role: USER
    resource: "**"
    operations: [READ]
    max_scope: TEAM
  - role: PLANNER
    resource: /api/v1/production/**
    operations: [READ, WRITE]
    max_scope: TEAM
rules:
  - id: no-order-delete
    tenant_id: t1
    resource: /api/v1/orders/**
    action: DELETE
    priority: 50
    effect: DENY
    enabled: true
grants:
  - id: g-settings
    tenant_id: t1
    user_id: u1
    endpoint: /api/v1/settings/**
    operation: READ
    permission_type: ALLOW
    data_scope: TENANT
`

func TestConfiguredEngine(t *testing.T) {
	cfg, err := authz.NewConfigLoader().LoadYAML([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rules := stores.NewMemoryRuleStore()
	engine, err := authz.NewEngineFromConfig(cfg, rules, stores.NewMemoryGrantStore(), stores.NewMemoryAuditStore())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer engine.Close(context.Background())
	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if engine.InstanceID() != "node-1" {
		t.Fatalf("instance id not applied: %q", engine.InstanceID())
	}

	p := func(id string, roles ...string) authz.Principal {
		return authz.Principal{ID: id, TenantID: "t1", Roles: roles, CompanyType: authz.CompanyInternal}
	}
	cases := []struct {
		name    string
		req     authz.Request
		allowed bool
		code    authz.ReasonCode
	}{
		{"grant opens settings", request(p("u1", authz.RoleUser), "READ", "/api/v1/settings/billing", authz.ScopeTenant), true, authz.ReasonUserGrant},
		{"settings need a grant", request(p("u2", authz.RoleUser), "READ", "/api/v1/settings/billing", authz.ScopeTeam), false, authz.ReasonRoleNoDefaultAccess},
		{"custom role default", request(p("u3", "PLANNER"), "WRITE", "/api/v1/production/plan", authz.ScopeTeam), true, authz.ReasonRoleDefault},
		{"configured roles replace the matrix", request(p("u4", authz.RoleAdmin), "READ", "/api/v1/orders", authz.ScopeTenant), false, authz.ReasonRoleNoDefaultAccess},
		{"blocked endpoint", request(p("u5", authz.RoleUser), "READ", "/api/v1/legacy/report", authz.ScopeTeam), false, authz.ReasonGuardrail},
		{"configured rule", request(p("u3", "PLANNER"), "DELETE", "/api/v1/orders/1", authz.ScopeTeam), false, authz.ReasonPlatformPolicy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec, err := engine.Evaluate(ctx, tc.req)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			expect(t, dec, tc.allowed, tc.code)
		})
	}

	// Re-applying updates rules in place and leaves existing grants alone.
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	r, err := rules.GetRule(ctx, "no-order-delete")
	if err != nil || r.Version != 2 {
		t.Fatalf("expected version 2 after re-apply, got %+v (%v)", r, err)
	}
	grants, err := engine.ListGrants(ctx, "t1", "u1")
	if err != nil || len(grants) != 1 {
		t.Fatalf("expected the grant once, got %d (%v)", len(grants), err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := authz.NewConfigBuilder().
		AddRule(&authz.PolicyRule{ID: "bad", Resource: "orders", Action: authz.OpRead, Effect: authz.EffectAllow}).
		AddRoleDefault(authz.RoleDefault{Role: "", Resource: "**", MaxScope: "PLANET"}).
		AddAccessClass(authz.AccessClass{Pattern: "/api/v1/x/**", DefaultScope: "WIDE"}).
		Build()
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	if !authz.IsValidationError(err) {
		t.Fatalf("joined errors should expose validation errors: %v", err)
	}
	for _, want := range []string{"rules[0]", "role_defaults[0]", "max_scope", "registry[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
	if _, err := authz.NewEngineFromConfig(cfg, stores.NewMemoryRuleStore(), stores.NewMemoryGrantStore(), stores.NewMemoryAuditStore()); err == nil {
		t.Fatalf("engine built from an invalid config")
	}
}

func TestConfigBuilderRoundTrip(t *testing.T) {
	b := authz.NewConfigBuilder().
		AddRule(authz.NewRuleConfig("qc", "t1").Resource("/api/v1/quality/**").Action(authz.OpApprove).
			Priority(10).When(authz.CondRole, "QC_LEAD", "QC_MANAGER").MaxScope(authz.ScopeTeam).Build()).
		AddGrant(authz.NewGrantConfig("g1", "t1", "u1").Endpoint("/api/v1/finance/**").Operation(authz.OpExport).
			Reason("quarter close", "cfo").Build()).
		BlockEndpoints("/api/v1/legacy/**").
		EngineSettings(func(ec *authz.EngineConfig) { ec.StoreTimeout = 30 }).
		Invalidation("localhost:6379", "authz:test")

	dir := t.TempDir()
	for _, format := range []string{"yaml", "json"} {
		t.Run(format, func(t *testing.T) {
			var data []byte
			var err error
			if format == "json" {
				data, err = b.ToJSON()
			} else {
				data, err = b.ToYAML()
			}
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			path := filepath.Join(dir, "authz."+format)
			if err := os.WriteFile(path, data, 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			cfg, err := authz.NewConfigLoader().LoadFile(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("round-tripped config invalid: %v", err)
			}
			if len(cfg.Rules) != 1 || cfg.Rules[0].Conditions[authz.CondRole] != "QC_LEAD,QC_MANAGER" {
				t.Fatalf("rule lost in %s round trip: %+v", format, cfg.Rules)
			}
			if cfg.Rules[0].ApplicableScope() != authz.ScopeTeam {
				t.Fatalf("max scope lost in %s round trip", format)
			}
			if len(cfg.Grants) != 1 || cfg.Grants[0].GrantedBy != "cfo" || cfg.Grants[0].DataScope != authz.ScopeTenant {
				t.Fatalf("grant lost in %s round trip: %+v", format, cfg.Grants)
			}
			if cfg.Engine.StoreTimeout != 30 || cfg.Invalidation.Channel != "authz:test" {
				t.Fatalf("engine settings lost in %s round trip: %+v", format, cfg.Engine)
			}
		})
	}
}
