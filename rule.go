package authz

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fabricmanagement/authz/utils"
)

var knownConditions = map[string]bool{
	CondRole: true, CondCompanyType: true, CondUser: true, CondMaxScope: true,
}

// ValidateRule checks an administrative rule write.
func ValidateRule(r *PolicyRule) error {
	if r == nil {
		return invalid("rule", "is required")
	}
	if r.ID == "" {
		return invalid("id", "is required")
	}
	if err := validateResource("resource", r.Resource); err != nil {
		return err
	}
	if r.Action != AnyOperation && !knownOperations[r.Action] {
		return invalid("action", "unknown operation %q", r.Action)
	}
	if !r.Effect.Valid() {
		return invalid("effect", "must be ALLOW or DENY, got %q", r.Effect)
	}
	for k, v := range r.Conditions {
		if !knownConditions[k] {
			return invalid("conditions", "unknown condition %q", k)
		}
		if k == CondMaxScope {
			if _, ok := ParseScope(v); !ok {
				return invalid("conditions", "max_scope %q is not a scope", v)
			}
		}
	}
	return nil
}

// ApplicableScope is the widest scope an ALLOW rule authorizes.
func (r *PolicyRule) ApplicableScope() DataScope {
	if v, ok := r.Conditions[CondMaxScope]; ok {
		if sc, ok := ParseScope(v); ok {
			return sc
		}
	}
	return ScopeTenant
}

// matches reports whether the rule applies to req. Unknown condition keys are
// an error so a corrupted rule can never silently stop matching.
func (r *PolicyRule) matches(req Request, op Operation) (bool, error) {
	if !r.Enabled || !r.Action.Matches(op) || !utils.MatchResource(req.Resource, r.Resource) {
		return false, nil
	}
	for k, v := range r.Conditions {
		switch k {
		case CondRole:
			if !req.Principal.HasRole(splitList(v)...) {
				return false, nil
			}
		case CondCompanyType:
			if !inList(string(req.Principal.CompanyType), v) {
				return false, nil
			}
		case CondUser:
			if !inList(req.Principal.ID, v) {
				return false, nil
			}
		case CondMaxScope:
		default:
			return false, fmt.Errorf("rule %s: unknown condition %q", r.ID, k)
		}
	}
	return true, nil
}

// ruleOutcome is the result of priority resolution.
type ruleOutcome struct {
	rule *PolicyRule
	// conflict is set when equal top-priority rules disagreed on the effect.
	conflict []string
}

// selectRule resolves matching rules: highest priority wins. Among rules of
// the top priority, DENY beats ALLOW; within the winning effect the earliest
// created rule (then lowest ID) is reported.
func selectRule(rules []*PolicyRule, req Request) (ruleOutcome, error) {
	op := req.Operation()
	matched := make([]*PolicyRule, 0, len(rules))
	for _, r := range rules {
		if r == nil {
			continue
		}
		ok, err := r.matches(req, op)
		if err != nil {
			return ruleOutcome{}, err
		}
		if ok {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return ruleOutcome{}, nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Effect != b.Effect {
			return a.Effect == EffectDeny
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	out := ruleOutcome{rule: matched[0]}
	for _, r := range matched[1:] {
		if r.Priority != out.rule.Priority {
			break
		}
		if r.Effect != out.rule.Effect {
			out.conflict = append(out.conflict, r.ID)
		}
	}
	return out, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func inList(s, list string) bool {
	for _, item := range splitList(list) {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
