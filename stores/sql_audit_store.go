package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/fabricmanagement/authz"
)

// SQLAuditStore persists audit entries in SQL. Timestamps are unix nanoseconds
// so windows and ordering are plain integer comparisons.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("audit store requires a database")
	}
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecisions(ctx context.Context, entries []*authz.AuditEntry) error {
	q := `INSERT INTO decision_audit(id, ts_unix_ns, tenant_id, principal_id, resource, action, scope, allowed, reason_code, reason, policy_id, latency_us, cache_hit, correlation_id) VALUES(:id, :ts, :tenant_id, :principal_id, :resource, :action, :scope, :allowed, :reason_code, :reason, :policy_id, :latency_us, :cache_hit, :correlation_id)`
	for _, entry := range entries {
		_, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"id":             entry.ID,
			"ts":             entry.Timestamp.UnixNano(),
			"tenant_id":      entry.TenantID,
			"principal_id":   entry.PrincipalID,
			"resource":       entry.Resource,
			"action":         entry.Action,
			"scope":          string(entry.Scope),
			"allowed":        boolToInt(entry.Allowed),
			"reason_code":    string(entry.ReasonCode),
			"reason":         entry.Reason,
			"policy_id":      entry.PolicyID,
			"latency_us":     entry.LatencyMicros,
			"cache_hit":      boolToInt(entry.CacheHit),
			"correlation_id": entry.CorrelationID,
		})
		if err != nil {
			return fmt.Errorf("audit entry %s: %w", entry.ID, err)
		}
	}
	return nil
}

// windowClause appends [from, to) bounds; zero bounds are open.
func windowClause(q string, params map[string]any, from, to time.Time) string {
	if !from.IsZero() {
		q += " AND ts_unix_ns >= :from_ns"
		params["from_ns"] = from.UnixNano()
	}
	if !to.IsZero() {
		q += " AND ts_unix_ns < :to_ns"
		params["to_ns"] = to.UnixNano()
	}
	return q
}

// ListDecisions returns matching entries, newest first.
func (s *SQLAuditStore) ListDecisions(ctx context.Context, filter authz.AuditFilter) ([]*authz.AuditEntry, error) {
	q := `SELECT id, ts_unix_ns, tenant_id, principal_id, resource, action, scope, allowed, reason_code, reason, policy_id, latency_us, cache_hit, correlation_id FROM decision_audit WHERE 1=1`
	params := map[string]any{}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = filter.Resource
	}
	if filter.DeniedOnly {
		q += " AND allowed = 0"
	}
	q = windowClause(q, params, filter.StartTime, filter.EndTime)
	q += " ORDER BY ts_unix_ns DESC, id DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.AuditEntry, 0)
	for r.Next() {
		var id, tenant, principal, resource, action, scope, reasonCode, reason, policyID, correlationID string
		var ts, latency int64
		var allowedInt, cacheHitInt int
		if err := r.Scan(&id, &ts, &tenant, &principal, &resource, &action, &scope, &allowedInt, &reasonCode, &reason, &policyID, &latency, &cacheHitInt, &correlationID); err != nil {
			return nil, err
		}
		out = append(out, &authz.AuditEntry{
			ID:            id,
			Timestamp:     time.Unix(0, ts),
			TenantID:      tenant,
			PrincipalID:   principal,
			Resource:      resource,
			Action:        action,
			Scope:         authz.DataScope(scope),
			Allowed:       allowedInt != 0,
			ReasonCode:    authz.ReasonCode(reasonCode),
			Reason:        reason,
			PolicyID:      policyID,
			LatencyMicros: latency,
			CacheHit:      cacheHitInt != 0,
			CorrelationID: correlationID,
		})
	}
	return out, r.Err()
}

// Stats aggregates over [from, to). An empty tenantID covers every tenant.
func (s *SQLAuditStore) Stats(ctx context.Context, tenantID string, from, to time.Time) (authz.AuditStats, error) {
	q := `SELECT COUNT(*), COALESCE(SUM(allowed), 0), COALESCE(SUM(latency_us), 0) FROM decision_audit WHERE 1=1`
	params := map[string]any{}
	if tenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = tenantID
	}
	q = windowClause(q, params, from, to)
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return authz.AuditStats{}, err
	}
	defer r.Close()
	var total, allowed, latency int64
	if r.Next() {
		if err := r.Scan(&total, &allowed, &latency); err != nil {
			return authz.AuditStats{}, err
		}
	}
	return authz.NewAuditStats(total, allowed, float64(latency)), r.Err()
}
