package authz

import (
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect is the outcome a rule or grant asks for.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

func (e Effect) Valid() bool { return e == EffectAllow || e == EffectDeny }

// Operation is the normalized action vocabulary shared by every service.
type Operation string

const (
	OpRead    Operation = "READ"
	OpWrite   Operation = "WRITE"
	OpDelete  Operation = "DELETE"
	OpApprove Operation = "APPROVE"
	OpExport  Operation = "EXPORT"
	OpManage  Operation = "MANAGE"
)

// AnyOperation matches every operation in rules and role defaults.
const AnyOperation Operation = "*"

var knownOperations = map[Operation]bool{
	OpRead: true, OpWrite: true, OpDelete: true, OpApprove: true, OpExport: true, OpManage: true,
}

// ParseOperation normalizes s and reports whether it names a known operation.
func ParseOperation(s string) (Operation, bool) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	return op, knownOperations[op]
}

// ReadOnly reports whether the operation never mutates data.
func (o Operation) ReadOnly() bool { return o == OpRead || o == OpExport }

// Matches reports whether a rule/grant operation o applies to the requested one.
func (o Operation) Matches(requested Operation) bool {
	return o == AnyOperation || o == requested
}

// OperationFromMethod maps an HTTP method onto an operation the way the
// authorization middleware of each service classifies requests.
func OperationFromMethod(method string) (Operation, bool) {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return OpRead, true
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return OpWrite, true
	case http.MethodDelete:
		return OpDelete, true
	}
	return "", false
}

// DataScope is the breadth of data a decision authorizes. Scopes are nested:
// OWN ⊂ TEAM ⊂ TENANT ⊂ GLOBAL.
type DataScope string

const (
	ScopeOwn    DataScope = "OWN"
	ScopeTeam   DataScope = "TEAM"
	ScopeTenant DataScope = "TENANT"
	ScopeGlobal DataScope = "GLOBAL"
)

var scopeRank = map[DataScope]int{ScopeOwn: 1, ScopeTeam: 2, ScopeTenant: 3, ScopeGlobal: 4}

// ParseScope normalizes s and reports whether it names a known scope.
func ParseScope(s string) (DataScope, bool) {
	sc := DataScope(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := scopeRank[sc]
	return sc, ok
}

func (s DataScope) Valid() bool {
	_, ok := scopeRank[s]
	return ok
}

// Covers reports whether s is at least as broad as requested.
func (s DataScope) Covers(requested DataScope) bool {
	return s.Valid() && requested.Valid() && scopeRank[s] >= scopeRank[requested]
}

// CompanyType classifies the principal's organization.
type CompanyType string

const (
	CompanyInternal      CompanyType = "INTERNAL"
	CompanyCustomer      CompanyType = "CUSTOMER"
	CompanySupplier      CompanyType = "SUPPLIER"
	CompanySubcontractor CompanyType = "SUBCONTRACTOR"
)

// Well-known roles.
const (
	RoleSuperAdmin  = "SUPER_ADMIN"
	RoleSystemAdmin = "SYSTEM_ADMIN"
	RoleAdmin       = "ADMIN"
	RoleManager     = "MANAGER"
	RoleUser        = "USER"
)

// Principal is the authenticated caller.
type Principal struct {
	ID          string      `json:"id" yaml:"id"`
	TenantID    string      `json:"tenant_id" yaml:"tenant_id"`
	Roles       []string    `json:"roles" yaml:"roles"`
	CompanyType CompanyType `json:"company_type" yaml:"company_type"`
	CompanyID   string      `json:"company_id,omitempty" yaml:"company_id,omitempty"`
}

// HasRole reports whether the principal carries any of roles.
func (p Principal) HasRole(roles ...string) bool {
	for _, have := range p.Roles {
		for _, want := range roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// IsPlatformAdmin reports whether the principal operates across tenants.
func (p Principal) IsPlatformAdmin() bool {
	return p.HasRole(RoleSuperAdmin, RoleSystemAdmin)
}

// Request is one authorization question.
type Request struct {
	TenantID      string    `json:"tenant_id"`
	Principal     Principal `json:"principal"`
	Resource      string    `json:"resource"`
	Action        string    `json:"action"`
	Scope         DataScope `json:"scope"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Operation returns the normalized action. Only valid after validation.
func (r Request) Operation() Operation {
	op, _ := ParseOperation(r.Action)
	return op
}

// ============================================================================
// RULES & GRANTS
// ============================================================================

// Supported PolicyRule condition keys.
const (
	CondRole        = "role"
	CondCompanyType = "company_type"
	CondUser        = "user"
	CondMaxScope    = "max_scope"
)

// PolicyRule is a tenant-defined (or platform-wide when TenantID is empty) rule.
type PolicyRule struct {
	ID         string            `json:"id" yaml:"id"`
	TenantID   string            `json:"tenant_id" yaml:"tenant_id"`
	Resource   string            `json:"resource" yaml:"resource"`
	Action     Operation         `json:"action" yaml:"action"`
	Priority   int               `json:"priority" yaml:"priority"`
	Effect     Effect            `json:"effect" yaml:"effect"`
	Conditions map[string]string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	Version    int               `json:"version" yaml:"version"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
}

// GrantStatus is the lifecycle state of a PermissionGrant.
type GrantStatus string

const (
	GrantActive  GrantStatus = "ACTIVE"
	GrantExpired GrantStatus = "EXPIRED"
	GrantRevoked GrantStatus = "REVOKED"
)

// PermissionGrant is an explicit per-user allow/deny override.
type PermissionGrant struct {
	ID             string      `json:"id" yaml:"id"`
	TenantID       string      `json:"tenant_id" yaml:"tenant_id"`
	UserID         string      `json:"user_id" yaml:"user_id"`
	Endpoint       string      `json:"endpoint" yaml:"endpoint"`
	Operation      Operation   `json:"operation" yaml:"operation"`
	PermissionType Effect      `json:"permission_type" yaml:"permission_type"`
	DataScope      DataScope   `json:"data_scope" yaml:"data_scope"`
	ExpiresAt      time.Time   `json:"expires_at,omitempty" yaml:"expires_at,omitempty"` // zero = no expiry
	Reason         string      `json:"reason,omitempty" yaml:"reason,omitempty"`
	GrantedBy      string      `json:"granted_by,omitempty" yaml:"granted_by,omitempty"`
	Status         GrantStatus `json:"status" yaml:"status"` // persisted for reporting; use StatusAt
	RevokedAt      time.Time   `json:"revoked_at,omitempty" yaml:"revoked_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at" yaml:"created_at"`
}

// ============================================================================
// DECISIONS
// ============================================================================

// ReasonCode classifies the path that produced a decision.
type ReasonCode string

const (
	ReasonGuardrail           ReasonCode = "guardrail"
	ReasonPlatformPolicy      ReasonCode = "platform_policy"
	ReasonUserGrant           ReasonCode = "user_grant"
	ReasonScopeViolation      ReasonCode = "scope_violation"
	ReasonRoleDefault         ReasonCode = "role_default"
	ReasonRoleNoDefaultAccess ReasonCode = "role_no_default_access"
	ReasonEvaluationError     ReasonCode = "policy_evaluation_error"
)

// PolicyDecision is the engine's answer.
type PolicyDecision struct {
	Allowed          bool       `json:"allowed"`
	ReasonCode       ReasonCode `json:"reason_code"`
	Reason           string     `json:"reason"`
	PolicyID         string     `json:"policy_id,omitempty"`
	EvaluatedAt      time.Time  `json:"evaluated_at"`
	EvaluationTimeMs int64      `json:"evaluation_time_ms"`
	CacheHit         bool       `json:"cache_hit"`
	CorrelationID    string     `json:"correlation_id,omitempty"`
}

// AuditEntry is one append-only record of a decision.
type AuditEntry struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	TenantID      string     `json:"tenant_id"`
	PrincipalID   string     `json:"principal_id"`
	Resource      string     `json:"resource"`
	Action        string     `json:"action"`
	Scope         DataScope  `json:"scope"`
	Allowed       bool       `json:"allowed"`
	ReasonCode    ReasonCode `json:"reason_code"`
	Reason        string     `json:"reason"`
	PolicyID      string     `json:"policy_id,omitempty"`
	LatencyMicros int64      `json:"latency_us"`
	CacheHit      bool       `json:"cache_hit"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// AuditFilter narrows ListDecisions. Zero fields are ignored.
type AuditFilter struct {
	TenantID    string
	PrincipalID string
	Resource    string
	DeniedOnly  bool
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
}

// AuditStats is derived from the audit trail at query time.
type AuditStats struct {
	TotalDecisions   int64   `json:"total_decisions"`
	AllowDecisions   int64   `json:"allow_decisions"`
	DenyDecisions    int64   `json:"deny_decisions"`
	DenyRate         float64 `json:"deny_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// NewAuditStats derives the ratios from raw counters.
func NewAuditStats(total, allowed int64, latencyMicrosSum float64) AuditStats {
	s := AuditStats{TotalDecisions: total, AllowDecisions: allowed, DenyDecisions: total - allowed}
	if total > 0 {
		s.DenyRate = float64(s.DenyDecisions) / float64(total)
		s.AverageLatencyMs = latencyMicrosSum / float64(total) / 1000
	}
	return s
}
