package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// INVALIDATION
// ============================================================================

// Invalidate drops the targeted cache entries on this instance before
// returning, then broadcasts the event to the other instances in the
// background.
func (e *Engine) Invalidate(ctx context.Context, t InvalidationTarget) {
	e.cache.Invalidate(t)
	e.logger.Debug("decision cache invalidated", "kind", string(t.Kind), "tenant", t.TenantID, "user", t.UserID, "endpoint", t.Endpoint)
	if e.bus == nil {
		return
	}
	ev := InvalidationEvent{Target: t, Origin: e.instanceID, At: e.now()}
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
		defer cancel()
		if err := e.bus.Publish(pctx, ev); err != nil {
			e.logger.Error("invalidation broadcast failed", "kind", string(t.Kind), "error", err)
		}
	}()
}

func (e *Engine) InvalidateKey(ctx context.Context, k CacheKey) { e.Invalidate(ctx, KeyTarget(k)) }

func (e *Engine) InvalidateTenant(ctx context.Context, tenantID string) {
	e.Invalidate(ctx, TenantTarget(tenantID))
}

func (e *Engine) InvalidateUser(ctx context.Context, userID string) {
	e.Invalidate(ctx, UserTarget(userID))
}

func (e *Engine) InvalidateAll(ctx context.Context) { e.Invalidate(ctx, AllTarget()) }

// InvalidateEndpoint drops every decision for resources matching pattern.
func (e *Engine) InvalidateEndpoint(ctx context.Context, pattern string) {
	e.Invalidate(ctx, EndpointTarget(pattern))
}

// ruleTarget is what a change to a rule of tenantID makes stale. Platform-wide
// rules affect every tenant.
func ruleTarget(tenantID string) InvalidationTarget {
	if tenantID == "" {
		return AllTarget()
	}
	return TenantTarget(tenantID)
}

// ============================================================================
// RULE ADMINISTRATION
// ============================================================================

// CreateRule validates and stores a new rule. A missing ID is generated.
func (e *Engine) CreateRule(ctx context.Context, r *PolicyRule) error {
	if r == nil {
		return invalid("rule", "is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := e.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Version == 0 {
		r.Version = 1
	}
	if err := ValidateRule(r); err != nil {
		return err
	}
	if err := e.ruleStore.CreateRule(ctx, r); err != nil {
		return fmt.Errorf("create rule %s: %w", r.ID, err)
	}
	e.Invalidate(ctx, ruleTarget(r.TenantID))
	e.logger.Info("rule created", "rule_id", r.ID, "tenant", r.TenantID, "resource", r.Resource, "effect", string(r.Effect), "priority", r.Priority)
	return nil
}

// UpdateRule replaces a rule, bumping its version.
func (e *Engine) UpdateRule(ctx context.Context, r *PolicyRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	existing, err := e.ruleStore.GetRule(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	r.CreatedAt = existing.CreatedAt
	r.Version = existing.Version + 1
	r.UpdatedAt = e.now()
	if err := e.ruleStore.UpdateRule(ctx, r); err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	e.Invalidate(ctx, ruleTarget(r.TenantID))
	if existing.TenantID != r.TenantID {
		e.Invalidate(ctx, ruleTarget(existing.TenantID))
	}
	e.logger.Info("rule updated", "rule_id", r.ID, "tenant", r.TenantID, "version", r.Version)
	return nil
}

func (e *Engine) EnableRule(ctx context.Context, id string) error { return e.setRuleEnabled(ctx, id, true) }
func (e *Engine) DisableRule(ctx context.Context, id string) error { return e.setRuleEnabled(ctx, id, false) }

func (e *Engine) setRuleEnabled(ctx context.Context, id string, enabled bool) error {
	r, err := e.ruleStore.GetRule(ctx, id)
	if err != nil {
		return fmt.Errorf("rule %s: %w", id, err)
	}
	if r.Enabled == enabled {
		return nil
	}
	updated := *r
	updated.Enabled = enabled
	return e.UpdateRule(ctx, &updated)
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	r, err := e.ruleStore.GetRule(ctx, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if err := e.ruleStore.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	e.Invalidate(ctx, ruleTarget(r.TenantID))
	e.logger.Info("rule deleted", "rule_id", id, "tenant", r.TenantID)
	return nil
}

// ListRules returns the tenant's rules plus the platform-wide ones.
func (e *Engine) ListRules(ctx context.Context, tenantID string) ([]*PolicyRule, error) {
	return e.ruleStore.ListRules(ctx, tenantID)
}

// ============================================================================
// GRANT ADMINISTRATION
// ============================================================================

// CreateGrant stores a new ACTIVE grant and drops the user's cached decisions.
func (e *Engine) CreateGrant(ctx context.Context, g *PermissionGrant) error {
	if g == nil {
		return invalid("grant", "is required")
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := e.now()
	g.Status = GrantActive
	g.RevokedAt = time.Time{}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if err := ValidateGrant(g); err != nil {
		return err
	}
	if !g.ExpiresAt.IsZero() && !g.ExpiresAt.After(now) {
		return invalid("expires_at", "must be in the future")
	}
	if err := e.grantStore.CreateGrant(ctx, g); err != nil {
		return fmt.Errorf("create grant %s: %w", g.ID, err)
	}
	e.Invalidate(ctx, UserTarget(g.UserID))
	e.logger.Info("grant created", "grant_id", g.ID, "tenant", g.TenantID, "user", g.UserID,
		"endpoint", g.Endpoint, "type", string(g.PermissionType), "granted_by", g.GrantedBy)
	return nil
}

// RevokeGrant ends a grant immediately. Only ACTIVE grants can be revoked.
func (e *Engine) RevokeGrant(ctx context.Context, id string) (*PermissionGrant, error) {
	g, err := e.grantStore.GetGrant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("revoke grant %s: %w", id, err)
	}
	now := e.now()
	if st := g.StatusAt(now); st != GrantActive {
		return nil, fmt.Errorf("revoke grant %s (%s): %w", id, st, ErrGrantNotActive)
	}
	revoked, err := e.grantStore.RevokeGrant(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("revoke grant %s: %w", id, err)
	}
	e.Invalidate(ctx, UserTarget(revoked.UserID))
	e.logger.Info("grant revoked", "grant_id", id, "tenant", revoked.TenantID, "user", revoked.UserID)
	return revoked, nil
}

func (e *Engine) ListGrants(ctx context.Context, tenantID, userID string) ([]*PermissionGrant, error) {
	return e.grantStore.ListGrants(ctx, tenantID, userID)
}

// ============================================================================
// AUDIT
// ============================================================================

// Stats aggregates the audit trail of tenantID over [from, to). A zero bound
// is open. Decisions still queued in the recorder are not counted; call
// Flush first when exact figures are needed.
func (e *Engine) Stats(ctx context.Context, tenantID string, from, to time.Time) (AuditStats, error) {
	return e.recorder.Stats(ctx, tenantID, from, to)
}

func (e *Engine) ListDecisions(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	return e.recorder.ListDecisions(ctx, filter)
}

// Flush waits for queued audit entries to reach the store.
func (e *Engine) Flush(ctx context.Context) error {
	return e.recorder.Flush(ctx)
}
