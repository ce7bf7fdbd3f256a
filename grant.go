package authz

import (
	"sort"
	"time"

	"github.com/fabricmanagement/authz/utils"
)

// StatusAt derives the grant status at now. Expiry is evaluated lazily here so
// correctness never depends on the sweeper having run.
func (g *PermissionGrant) StatusAt(now time.Time) GrantStatus {
	switch {
	case g.Status == GrantRevoked || !g.RevokedAt.IsZero():
		return GrantRevoked
	case g.Status == GrantExpired:
		return GrantExpired
	case !g.ExpiresAt.IsZero() && g.ExpiresAt.Before(now):
		return GrantExpired
	}
	return GrantActive
}

// IsActiveAt reports whether the grant takes part in evaluation at now.
func (g *PermissionGrant) IsActiveAt(now time.Time) bool {
	return g.StatusAt(now) == GrantActive
}

// appliesTo reports whether the grant targets the resource and operation.
func (g *PermissionGrant) appliesTo(resource string, op Operation) bool {
	return g.Operation.Matches(op) && utils.MatchResource(resource, g.Endpoint)
}

// grantMatch is the outcome of resolving a user's grants for one request.
type grantMatch struct {
	winner *PermissionGrant
	// narrower is an ALLOW grant that matched but whose scope did not cover the request.
	narrower *PermissionGrant
}

// FindActiveGrant picks the grant that decides the request, if any. ACTIVE
// DENY grants win regardless of scope. Otherwise an ACTIVE ALLOW grant whose
// scope covers the requested scope wins. Ties are broken by CreatedAt, then ID.
func FindActiveGrant(grants []*PermissionGrant, resource string, op Operation, scope DataScope, now time.Time) (*PermissionGrant, bool) {
	m := resolveGrants(grants, resource, op, scope, now)
	return m.winner, m.winner != nil
}

func resolveGrants(grants []*PermissionGrant, resource string, op Operation, scope DataScope, now time.Time) grantMatch {
	candidates := make([]*PermissionGrant, 0, len(grants))
	for _, g := range grants {
		if g == nil || !g.IsActiveAt(now) || !g.appliesTo(resource, op) {
			continue
		}
		candidates = append(candidates, g)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var m grantMatch
	for _, g := range candidates {
		if g.PermissionType == EffectDeny {
			return grantMatch{winner: g}
		}
	}
	for _, g := range candidates {
		if g.PermissionType != EffectAllow {
			continue
		}
		if g.DataScope.Covers(scope) {
			if m.winner == nil {
				m.winner = g
			}
		} else if m.narrower == nil {
			m.narrower = g
		}
	}
	if m.winner != nil {
		m.narrower = nil
	}
	return m
}

// ValidateGrant checks an administrative grant write.
func ValidateGrant(g *PermissionGrant) error {
	if g == nil {
		return invalid("grant", "is required")
	}
	if g.TenantID == "" {
		return invalid("tenant_id", "is required")
	}
	if g.UserID == "" {
		return invalid("user_id", "is required")
	}
	if err := validateResource("endpoint", g.Endpoint); err != nil {
		return err
	}
	if g.Operation != AnyOperation && !knownOperations[g.Operation] {
		return invalid("operation", "unknown operation %q", g.Operation)
	}
	if !g.PermissionType.Valid() {
		return invalid("permission_type", "must be ALLOW or DENY, got %q", g.PermissionType)
	}
	if !g.DataScope.Valid() {
		return invalid("data_scope", "unknown scope %q", g.DataScope)
	}
	return nil
}
