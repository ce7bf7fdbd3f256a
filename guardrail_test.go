package authz

import "testing"

func TestDefaultGuardrails(t *testing.T) {
	reg := NewEndpointRegistry(
		AccessClass{Pattern: "/api/v1/procurement/**", AllowedCompanyTypes: []CompanyType{CompanyInternal, CompanySupplier}},
	)
	g := DefaultGuardrails(reg, []string{"/api/v1/legacy/**"}, nil)

	internal := Principal{ID: "i1", TenantID: "t1", Roles: []string{RoleAdmin}, CompanyType: CompanyInternal}
	customer := Principal{ID: "c1", TenantID: "t1", Roles: []string{RoleUser}, CompanyType: CompanyCustomer}
	supplier := Principal{ID: "s1", TenantID: "t1", Roles: []string{RoleUser}, CompanyType: CompanySupplier}
	subcon := Principal{ID: "k1", TenantID: "t1", Roles: []string{RoleUser}, CompanyType: CompanySubcontractor}
	platform := Principal{ID: "p1", TenantID: "root", Roles: []string{RoleSystemAdmin}, CompanyType: CompanyInternal}
	foreign := Principal{ID: "f1", TenantID: "t9", Roles: []string{RoleAdmin}, CompanyType: CompanyInternal}
	unknown := Principal{ID: "x1", TenantID: "t1", Roles: []string{RoleAdmin}}
	tenantless := Principal{ID: "n1", Roles: []string{RoleAdmin}, CompanyType: CompanyInternal}
	tenantlessPlatform := Principal{ID: "n2", Roles: []string{RoleSuperAdmin}, CompanyType: CompanyInternal}

	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"internal passes", testRequest(internal, OpDelete, "/api/v1/orders/1", ScopeTenant), ""},
		{"cross tenant", testRequest(foreign, OpRead, "/api/v1/orders", ScopeTenant), "guardrail_tenant_isolation"},
		{"platform admin crosses tenants", testRequest(platform, OpRead, "/api/v1/orders", ScopeGlobal), ""},
		{"principal without tenant", testRequest(tenantless, OpDelete, "/api/v1/orders", ScopeTenant), "guardrail_tenant_isolation"},
		{"platform admin without tenant", testRequest(tenantlessPlatform, OpRead, "/api/v1/orders", ScopeTenant), ""},
		{"global scope", testRequest(internal, OpRead, "/api/v1/orders", ScopeGlobal), "guardrail_global_scope"},
		{"blocked endpoint", testRequest(internal, OpRead, "/api/v1/legacy/export", ScopeTenant), "guardrail_blocked_endpoint"},
		{"registry company type", testRequest(customer, OpRead, "/api/v1/procurement/rfq", ScopeTenant), "guardrail_company_type_not_allowed"},
		{"unknown company type", testRequest(unknown, OpRead, "/api/v1/orders", ScopeTenant), "guardrail_unknown_company_type"},
		{"customer reads", testRequest(customer, OpRead, "/api/v1/orders", ScopeOwn), ""},
		{"customer cannot write", testRequest(customer, OpWrite, "/api/v1/orders", ScopeOwn), "guardrail_customer_operation_denied"},
		{"supplier writes purchase orders", testRequest(supplier, OpWrite, "/api/v1/purchase-orders/7", ScopeOwn), ""},
		{"supplier limited write", testRequest(supplier, OpWrite, "/api/v1/fabrics/7", ScopeOwn), "guardrail_supplier_limited_write"},
		{"supplier cannot delete", testRequest(supplier, OpDelete, "/api/v1/purchase-orders/7", ScopeOwn), "guardrail_supplier_operation_denied"},
		{"supplier finance", testRequest(supplier, OpRead, "/api/v1/finance/ledger", ScopeOwn), "guardrail_supplier_endpoint_denied"},
		{"subcontractor production", testRequest(subcon, OpWrite, "/api/v1/production-orders/3", ScopeOwn), ""},
		{"subcontractor finance", testRequest(subcon, OpExport, "/api/v1/finance/invoices", ScopeOwn), "guardrail_subcontractor_endpoint_denied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := g.Check(tc.req)
			got := ""
			if v != nil {
				got = v.Name
				if v.Allowed {
					t.Fatalf("guardrails only deny, got allow from %s", v.Name)
				}
			}
			if got != tc.want {
				t.Fatalf("verdict %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGuardrailEvaluatorOrder(t *testing.T) {
	var calls []string
	rail := func(name string, fire bool) Guardrail {
		return func(Request) *Verdict {
			calls = append(calls, name)
			if fire {
				return &Verdict{Name: name}
			}
			return nil
		}
	}
	g := NewGuardrailEvaluator(
		[]Guardrail{rail("p1", false), rail("p2", true)},
		[]Guardrail{rail("c1", true)},
	)
	v := g.Check(Request{})
	if v == nil || v.Name != "p2" {
		t.Fatalf("expected first firing platform guardrail, got %+v", v)
	}
	if len(calls) != 2 {
		t.Fatalf("evaluation continued past the first verdict: %v", calls)
	}

	var nilEval *GuardrailEvaluator
	if nilEval.Check(Request{}) != nil {
		t.Fatalf("nil evaluator must pass")
	}
}

func TestEndpointRegistry(t *testing.T) {
	reg := DefaultEndpointRegistry()
	if c, ok := reg.Classify("/api/v1/settings/billing"); !ok || !c.RequiresGrant {
		t.Fatalf("settings should require a grant")
	}
	if _, ok := reg.Classify("/api/v1/orders"); ok {
		t.Fatalf("orders should be unclassified")
	}
	cases := map[string]DataScope{
		"/api/v1/admin/tenants":  ScopeGlobal,
		"/api/v1/settings/users": ScopeTenant,
		"/api/v1/users/me":       ScopeOwn,
		"/api/v1/profile":        ScopeOwn,
		"/api/v1/members":        ScopeTenant,
		"/api/v1/system/jobs":    ScopeGlobal,
		"/api/v1/orders":         ScopeTenant,
	}
	for path, want := range cases {
		if got := reg.InferScope(path); got != want {
			t.Fatalf("InferScope(%s) = %s, want %s", path, got, want)
		}
	}
}

func TestRoleDefaultResolver(t *testing.T) {
	r := NewRoleDefaultResolver(append(DefaultRoleDefaults(),
		RoleDefault{Role: "PLANNER", Resource: "/api/v1/production/**", Operations: []Operation{OpRead, OpWrite}, MaxScope: ScopeTeam},
	))
	cases := []struct {
		name      string
		roles     []string
		resource  string
		op        Operation
		wantRole  string
		wantScope DataScope
		found     bool
	}{
		{"user reads", []string{RoleUser}, "/api/v1/orders", OpRead, RoleUser, ScopeTeam, true},
		{"user cannot write", []string{RoleUser}, "/api/v1/orders", OpWrite, "", "", false},
		{"widest role wins", []string{RoleUser, "manager"}, "/api/v1/orders", OpRead, "manager", ScopeTenant, true},
		{"custom role", []string{"PLANNER"}, "/api/v1/production/plan", OpWrite, "PLANNER", ScopeTeam, true},
		{"custom role outside its path", []string{"PLANNER"}, "/api/v1/orders", OpRead, "", "", false},
		{"no roles", nil, "/api/v1/orders", OpRead, "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, ok := r.Resolve(Principal{ID: "u", Roles: tc.roles}, tc.resource, tc.op)
			if ok != tc.found || m.Role != tc.wantRole || m.Scope != tc.wantScope {
				t.Fatalf("Resolve = %+v,%v; want %s/%s,%v", m, ok, tc.wantRole, tc.wantScope, tc.found)
			}
		})
	}
}
