package authz

import (
	"context"
	"time"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// RuleStore is the system of record for PolicyRules.
type RuleStore interface {
	CreateRule(ctx context.Context, r *PolicyRule) error
	UpdateRule(ctx context.Context, r *PolicyRule) error
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (*PolicyRule, error)
	// ListRules returns the tenant's rules plus platform-wide rules (empty TenantID).
	ListRules(ctx context.Context, tenantID string) ([]*PolicyRule, error)
}

// GrantStore is the system of record for PermissionGrants.
type GrantStore interface {
	CreateGrant(ctx context.Context, g *PermissionGrant) error
	GetGrant(ctx context.Context, id string) (*PermissionGrant, error)
	// ListGrants returns every grant of the user in the tenant regardless of status.
	ListGrants(ctx context.Context, tenantID, userID string) ([]*PermissionGrant, error)
	// RevokeGrant moves an ACTIVE grant to REVOKED and returns the updated grant.
	RevokeGrant(ctx context.Context, id string, at time.Time) (*PermissionGrant, error)
	// MarkExpired persists EXPIRED for grants past their expiry. Reporting only.
	MarkExpired(ctx context.Context, now time.Time) (int, error)
}

// AuditStore is the append-only audit sink.
type AuditStore interface {
	LogDecisions(ctx context.Context, entries []*AuditEntry) error
	ListDecisions(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	Stats(ctx context.Context, tenantID string, from, to time.Time) (AuditStats, error)
}
