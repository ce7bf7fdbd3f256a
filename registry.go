package authz

import (
	"strings"

	"github.com/fabricmanagement/authz/utils"
)

// AccessClass describes how an endpoint family is protected. It is declared
// up front in configuration instead of being discovered from handler markers.
type AccessClass struct {
	Pattern             string        `json:"pattern" yaml:"pattern"`
	DefaultScope        DataScope     `json:"default_scope,omitempty" yaml:"default_scope,omitempty"`
	RequiresGrant       bool          `json:"requires_grant,omitempty" yaml:"requires_grant,omitempty"`
	AllowedCompanyTypes []CompanyType `json:"allowed_company_types,omitempty" yaml:"allowed_company_types,omitempty"`
	Description         string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// AllowsCompanyType reports whether ct may reach the endpoint. An empty allow
// list admits everyone.
func (c *AccessClass) AllowsCompanyType(ct CompanyType) bool {
	if len(c.AllowedCompanyTypes) == 0 {
		return true
	}
	for _, allowed := range c.AllowedCompanyTypes {
		if strings.EqualFold(string(allowed), string(ct)) {
			return true
		}
	}
	return false
}

// EndpointRegistry maps resource patterns to access classes. First match wins.
// It is immutable after construction and safe for concurrent reads.
type EndpointRegistry struct {
	classes []AccessClass
}

func NewEndpointRegistry(classes ...AccessClass) *EndpointRegistry {
	r := &EndpointRegistry{classes: make([]AccessClass, len(classes))}
	copy(r.classes, classes)
	return r
}

// DefaultEndpointRegistry marks the administrative surfaces that never fall
// back to role defaults.
func DefaultEndpointRegistry() *EndpointRegistry {
	return NewEndpointRegistry(
		AccessClass{Pattern: "/api/v1/admin/**", RequiresGrant: true, DefaultScope: ScopeGlobal, Description: "platform administration"},
		AccessClass{Pattern: "/api/v1/settings/**", RequiresGrant: true, DefaultScope: ScopeTenant, Description: "tenant settings"},
		AccessClass{Pattern: "/api/v1/permissions/**", RequiresGrant: true, DefaultScope: ScopeTenant, Description: "permission management"},
	)
}

// Classify returns the access class of resource.
func (r *EndpointRegistry) Classify(resource string) (*AccessClass, bool) {
	if r == nil {
		return nil, false
	}
	for i := range r.classes {
		if utils.MatchResource(resource, r.classes[i].Pattern) {
			return &r.classes[i], true
		}
	}
	return nil, false
}

// Classes returns a copy of the registered classes.
func (r *EndpointRegistry) Classes() []AccessClass {
	if r == nil {
		return nil
	}
	out := make([]AccessClass, len(r.classes))
	copy(out, r.classes)
	return out
}

// InferScope picks the scope for a request that did not ask for one: the
// registry default, else a guess from the path shape.
func (r *EndpointRegistry) InferScope(resource string) DataScope {
	if c, ok := r.Classify(resource); ok && c.DefaultScope.Valid() {
		return c.DefaultScope
	}
	switch {
	case hasSegment(resource, "me", "profile"):
		return ScopeOwn
	case hasSegment(resource, "admin", "system"):
		return ScopeGlobal
	}
	return ScopeTenant
}

func hasSegment(path string, names ...string) bool {
	for _, seg := range strings.Split(path, "/") {
		for _, n := range names {
			if seg == n {
				return true
			}
		}
	}
	return false
}
