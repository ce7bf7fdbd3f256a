package authz

import (
	"fmt"
	"strings"

	"github.com/fabricmanagement/authz/utils"
)

// Verdict is a definitive answer produced by a guardrail.
type Verdict struct {
	Allowed bool
	Reason  string
	// Name identifies the guardrail; it is reported as the decision's PolicyID.
	Name string
}

// Guardrail is a pure predicate over a validated request. A nil result means
// the guardrail has nothing to say.
type Guardrail func(req Request) *Verdict

// GuardrailEvaluator runs platform guardrails, then company-type guardrails,
// and stops at the first verdict. The lists are fixed at construction.
type GuardrailEvaluator struct {
	platform    []Guardrail
	companyType []Guardrail
}

func NewGuardrailEvaluator(platform, companyType []Guardrail) *GuardrailEvaluator {
	g := &GuardrailEvaluator{
		platform:    make([]Guardrail, len(platform)),
		companyType: make([]Guardrail, len(companyType)),
	}
	copy(g.platform, platform)
	copy(g.companyType, companyType)
	return g
}

// Check returns the first verdict, or nil when every guardrail passes.
func (g *GuardrailEvaluator) Check(req Request) *Verdict {
	if g == nil {
		return nil
	}
	for _, rail := range g.platform {
		if v := rail(req); v != nil {
			return v
		}
	}
	for _, rail := range g.companyType {
		if v := rail(req); v != nil {
			return v
		}
	}
	return nil
}

func deny(name, format string, args ...any) *Verdict {
	return &Verdict{Name: name, Reason: fmt.Sprintf(format, args...)}
}

// ============================================================================
// PLATFORM GUARDRAILS
// ============================================================================

// TenantIsolationGuardrail denies principals acting outside their own tenant,
// except platform administrators. A principal without a tenant belongs to none.
func TenantIsolationGuardrail() Guardrail {
	return func(req Request) *Verdict {
		p := req.Principal
		if p.IsPlatformAdmin() || (p.TenantID != "" && p.TenantID == req.TenantID) {
			return nil
		}
		if p.TenantID == "" {
			return deny("guardrail_tenant_isolation", "principal %s has no tenant", p.ID)
		}
		return deny("guardrail_tenant_isolation", "principal of tenant %s cannot act in tenant %s", p.TenantID, req.TenantID)
	}
}

// GlobalScopeGuardrail reserves GLOBAL scope for platform administrators.
func GlobalScopeGuardrail() Guardrail {
	return func(req Request) *Verdict {
		if req.Scope != ScopeGlobal || req.Principal.IsPlatformAdmin() {
			return nil
		}
		return deny("guardrail_global_scope", "GLOBAL scope requires %s or %s", RoleSuperAdmin, RoleSystemAdmin)
	}
}

// BlockedEndpointsGuardrail denies every request to the given patterns, e.g.
// during maintenance windows declared in configuration.
func BlockedEndpointsGuardrail(patterns ...string) Guardrail {
	blocked := append([]string(nil), patterns...)
	return func(req Request) *Verdict {
		for _, p := range blocked {
			if utils.MatchResource(req.Resource, p) {
				return deny("guardrail_blocked_endpoint", "endpoint %s is blocked by platform policy", p)
			}
		}
		return nil
	}
}

// RegistryCompanyTypeGuardrail enforces the registry's per-endpoint company
// type allow lists.
func RegistryCompanyTypeGuardrail(reg *EndpointRegistry) Guardrail {
	return func(req Request) *Verdict {
		c, ok := reg.Classify(req.Resource)
		if !ok || c.AllowsCompanyType(req.Principal.CompanyType) {
			return nil
		}
		return deny("guardrail_company_type_not_allowed", "company type %s not allowed on %s", req.Principal.CompanyType, c.Pattern)
	}
}

// ============================================================================
// COMPANY TYPE GUARDRAILS
// ============================================================================

// CompanyTypeRule constrains one company type.
type CompanyTypeRule struct {
	CompanyType CompanyType `json:"company_type" yaml:"company_type"`
	// Unrestricted skips every other field.
	Unrestricted bool `json:"unrestricted,omitempty" yaml:"unrestricted,omitempty"`
	// AllowedOperations are permitted on any endpoint not denied below.
	AllowedOperations []Operation `json:"allowed_operations,omitempty" yaml:"allowed_operations,omitempty"`
	// WriteEndpoints are path fragments on which WRITE is additionally permitted.
	WriteEndpoints []string `json:"write_endpoints,omitempty" yaml:"write_endpoints,omitempty"`
	// DeniedEndpoints are patterns the company type may never reach.
	DeniedEndpoints []string `json:"denied_endpoints,omitempty" yaml:"denied_endpoints,omitempty"`
}

// DefaultCompanyTypeRules is the platform's company type matrix.
func DefaultCompanyTypeRules() []CompanyTypeRule {
	readOnly := []Operation{OpRead, OpExport}
	return []CompanyTypeRule{
		{CompanyType: CompanyInternal, Unrestricted: true},
		{CompanyType: CompanyCustomer, AllowedOperations: readOnly},
		{
			CompanyType:       CompanySupplier,
			AllowedOperations: readOnly,
			WriteEndpoints:    []string{"/purchase-orders", "/po/", "/supplier/orders"},
			DeniedEndpoints:   []string{"/api/v1/finance/**"},
		},
		{
			CompanyType:       CompanySubcontractor,
			AllowedOperations: readOnly,
			WriteEndpoints:    []string{"/production-orders", "/production/", "/subcontractor/orders"},
			DeniedEndpoints:   []string{"/api/v1/finance/**"},
		},
	}
}

// CompanyTypeGuardrail enforces rules keyed by the principal's company type.
// A principal without a known company type is denied.
func CompanyTypeGuardrail(rules []CompanyTypeRule) Guardrail {
	byType := make(map[CompanyType]CompanyTypeRule, len(rules))
	for _, r := range rules {
		byType[CompanyType(strings.ToUpper(string(r.CompanyType)))] = r
	}
	return func(req Request) *Verdict {
		ct := CompanyType(strings.ToUpper(string(req.Principal.CompanyType)))
		rule, ok := byType[ct]
		if !ok {
			return deny("guardrail_unknown_company_type", "company type %q is not recognized", req.Principal.CompanyType)
		}
		if rule.Unrestricted {
			return nil
		}
		name := "guardrail_" + strings.ToLower(string(ct))
		for _, p := range rule.DeniedEndpoints {
			if utils.MatchResource(req.Resource, p) {
				return deny(name+"_endpoint_denied", "%s companies cannot access %s", ct, p)
			}
		}
		op := req.Operation()
		for _, allowed := range rule.AllowedOperations {
			if allowed.Matches(op) {
				return nil
			}
		}
		if op == OpWrite && len(rule.WriteEndpoints) > 0 {
			if utils.ContainsAny(req.Resource, rule.WriteEndpoints...) {
				return nil
			}
			return deny(name+"_limited_write", "%s companies may only write to %s", ct, strings.Join(rule.WriteEndpoints, ", "))
		}
		return deny(name+"_operation_denied", "%s companies cannot perform %s", ct, op)
	}
}

// DefaultGuardrails builds the standard evaluator around reg.
func DefaultGuardrails(reg *EndpointRegistry, blocked []string, companyRules []CompanyTypeRule) *GuardrailEvaluator {
	if companyRules == nil {
		companyRules = DefaultCompanyTypeRules()
	}
	platform := []Guardrail{
		TenantIsolationGuardrail(),
		GlobalScopeGuardrail(),
	}
	if len(blocked) > 0 {
		platform = append(platform, BlockedEndpointsGuardrail(blocked...))
	}
	platform = append(platform, RegistryCompanyTypeGuardrail(reg))
	return NewGuardrailEvaluator(platform, []Guardrail{CompanyTypeGuardrail(companyRules)})
}
