package authz

import (
	"strings"

	"github.com/fabricmanagement/authz/utils"
)

// RoleDefault is one baseline grant of a role.
type RoleDefault struct {
	Role       string      `json:"role" yaml:"role"`
	Resource   string      `json:"resource" yaml:"resource"`
	Operations []Operation `json:"operations" yaml:"operations"`
	MaxScope   DataScope   `json:"max_scope" yaml:"max_scope"`
}

// DefaultRoleDefaults is the platform baseline matrix.
func DefaultRoleDefaults() []RoleDefault {
	all := []Operation{AnyOperation}
	return []RoleDefault{
		{Role: RoleSuperAdmin, Resource: "**", Operations: all, MaxScope: ScopeGlobal},
		{Role: RoleSystemAdmin, Resource: "**", Operations: all, MaxScope: ScopeGlobal},
		{Role: RoleAdmin, Resource: "**", Operations: all, MaxScope: ScopeTenant},
		{Role: RoleManager, Resource: "**", Operations: all, MaxScope: ScopeTenant},
		{Role: RoleUser, Resource: "**", Operations: []Operation{OpRead}, MaxScope: ScopeTeam},
	}
}

// RoleMatch is the widest baseline access a principal's roles give.
type RoleMatch struct {
	Role  string
	Scope DataScope
}

// RoleDefaultResolver answers the baseline question when no grant or rule matched.
type RoleDefaultResolver struct {
	byRole map[string][]RoleDefault
}

func NewRoleDefaultResolver(defaults []RoleDefault) *RoleDefaultResolver {
	r := &RoleDefaultResolver{byRole: make(map[string][]RoleDefault)}
	for _, d := range defaults {
		key := strings.ToUpper(d.Role)
		r.byRole[key] = append(r.byRole[key], d)
	}
	return r
}

// Resolve returns the widest matching baseline across the principal's roles.
// Ties keep the first role listed on the principal.
func (r *RoleDefaultResolver) Resolve(p Principal, resource string, op Operation) (RoleMatch, bool) {
	var best RoleMatch
	found := false
	if r == nil {
		return best, false
	}
	for _, role := range p.Roles {
		for _, d := range r.byRole[strings.ToUpper(role)] {
			if !d.allows(resource, op) {
				continue
			}
			if !found || (d.MaxScope.Covers(best.Scope) && d.MaxScope != best.Scope) {
				best = RoleMatch{Role: role, Scope: d.MaxScope}
				found = true
			}
		}
	}
	return best, found
}

func (d RoleDefault) allows(resource string, op Operation) bool {
	for _, o := range d.Operations {
		if o.Matches(op) {
			return utils.MatchResource(resource, d.Resource)
		}
	}
	return false
}
