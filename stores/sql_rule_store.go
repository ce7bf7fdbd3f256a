package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/fabricmanagement/authz"
)

const ruleColumns = `id, tenant_id, resource, action, priority, effect, conditions_json, enabled, version, created_at, updated_at`

// SQLRuleStore persists rules in SQL (squealx). Every update appends the
// replaced version to policy_rule_history.
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

func ruleParams(r *authz.PolicyRule) (map[string]any, error) {
	cond := r.Conditions
	if cond == nil {
		cond = map[string]string{}
	}
	condB, err := json.Marshal(cond)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":              r.ID,
		"tenant_id":       r.TenantID,
		"resource":        r.Resource,
		"action":          string(r.Action),
		"priority":        r.Priority,
		"effect":          string(r.Effect),
		"conditions_json": string(condB),
		"enabled":         boolToInt(r.Enabled),
		"version":         r.Version,
		"created_at":      formatTime(r.CreatedAt),
		"updated_at":      formatTime(r.UpdatedAt),
	}, nil
}

func (s *SQLRuleStore) CreateRule(ctx context.Context, r *authz.PolicyRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	params, err := ruleParams(r)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_rules(` + ruleColumns + `) VALUES(:id, :tenant_id, :resource, :action, :priority, :effect, :conditions_json, :enabled, :version, :created_at, :updated_at)`
	_, err = s.db.NamedExecContext(ctx, q, params)
	return err
}

func (s *SQLRuleStore) UpdateRule(ctx context.Context, r *authz.PolicyRule) error {
	old, err := s.GetRule(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := s.insertHistory(ctx, old); err != nil {
		return err
	}
	params, err := ruleParams(r)
	if err != nil {
		return err
	}
	q := `UPDATE policy_rules SET tenant_id=:tenant_id, resource=:resource, action=:action, priority=:priority, effect=:effect, conditions_json=:conditions_json, enabled=:enabled, version=:version, updated_at=:updated_at WHERE id=:id`
	_, err = s.db.NamedExecContext(ctx, q, params)
	return err
}

func (s *SQLRuleStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM policy_rules WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("rule %s: %w", id, authz.ErrNotFound)
	}
	return nil
}

func (s *SQLRuleStore) GetRule(ctx context.Context, id string) (*authz.PolicyRule, error) {
	rules, err := s.query(ctx, `SELECT `+ruleColumns+` FROM policy_rules WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, authz.ErrNotFound)
	}
	return rules[0], nil
}

func (s *SQLRuleStore) ListRules(ctx context.Context, tenantID string) ([]*authz.PolicyRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM policy_rules WHERE tenant_id = :tenant_id OR tenant_id = '' ORDER BY id`
	return s.query(ctx, q, map[string]any{"tenant_id": tenantID})
}

// query reads every row before returning so no connection stays checked out.
func (s *SQLRuleStore) query(ctx context.Context, q string, params map[string]any) ([]*authz.PolicyRule, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.PolicyRule, 0)
	for r.Next() {
		var id, tenant, resource, action, effect, condJSON string
		var priority, enabledInt, version int
		var createdRaw, updatedRaw any
		if err := r.Scan(&id, &tenant, &resource, &action, &priority, &effect, &condJSON, &enabledInt, &version, &createdRaw, &updatedRaw); err != nil {
			return nil, err
		}
		createdAt, err := scanTime(createdRaw)
		if err != nil {
			return nil, fmt.Errorf("rule %s created_at: %w", id, err)
		}
		updatedAt, err := scanTime(updatedRaw)
		if err != nil {
			return nil, fmt.Errorf("rule %s updated_at: %w", id, err)
		}
		rule := &authz.PolicyRule{
			ID:        id,
			TenantID:  tenant,
			Resource:  resource,
			Action:    authz.Operation(action),
			Priority:  priority,
			Effect:    authz.Effect(effect),
			Enabled:   enabledInt != 0,
			Version:   version,
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		}
		if condJSON != "" && condJSON != "{}" {
			if err := json.Unmarshal([]byte(condJSON), &rule.Conditions); err != nil {
				return nil, fmt.Errorf("rule %s conditions: %w", id, err)
			}
		}
		out = append(out, rule)
	}
	return out, r.Err()
}

func (s *SQLRuleStore) insertHistory(ctx context.Context, r *authz.PolicyRule) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_rule_history(rule_id, version, snapshot_json, recorded_at) VALUES(:rule_id, :version, :snapshot_json, :recorded_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"rule_id":       r.ID,
		"version":       r.Version,
		"snapshot_json": string(b),
		"recorded_at":   formatTime(time.Now()),
	})
	return err
}

// GetRuleHistory returns the superseded versions of a rule, oldest first.
func (s *SQLRuleStore) GetRuleHistory(ctx context.Context, id string) ([]*authz.PolicyRule, error) {
	q := `SELECT snapshot_json FROM policy_rule_history WHERE rule_id = :rule_id ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"rule_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.PolicyRule, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		rule := &authz.PolicyRule{}
		if err := json.Unmarshal([]byte(snap), rule); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for rule %s: %w", id, authz.ErrNotFound)
	}
	return out, nil
}
