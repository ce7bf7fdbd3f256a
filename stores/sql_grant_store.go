package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/fabricmanagement/authz"
)

const grantColumns = `id, tenant_id, user_id, endpoint, operation, permission_type, data_scope, expires_at, reason, granted_by, status, revoked_at, created_at`

// SQLGrantStore persists permission grants in SQL (squealx). Timestamps are
// stored as fixed-width UTC text so expiry sweeps can compare them directly.
type SQLGrantStore struct {
	db *squealx.DB
}

func NewSQLGrantStore(db *squealx.DB) *SQLGrantStore {
	return &SQLGrantStore{db: db}
}

func (s *SQLGrantStore) CreateGrant(ctx context.Context, g *authz.PermissionGrant) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if g.Status == "" {
		g.Status = authz.GrantActive
	}
	q := `INSERT INTO permission_grants(` + grantColumns + `) VALUES(:id, :tenant_id, :user_id, :endpoint, :operation, :permission_type, :data_scope, :expires_at, :reason, :granted_by, :status, :revoked_at, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              g.ID,
		"tenant_id":       g.TenantID,
		"user_id":         g.UserID,
		"endpoint":        g.Endpoint,
		"operation":       string(g.Operation),
		"permission_type": string(g.PermissionType),
		"data_scope":      string(g.DataScope),
		"expires_at":      formatTime(g.ExpiresAt),
		"reason":          g.Reason,
		"granted_by":      g.GrantedBy,
		"status":          string(g.Status),
		"revoked_at":      formatTime(g.RevokedAt),
		"created_at":      formatTime(g.CreatedAt),
	})
	return err
}

func (s *SQLGrantStore) GetGrant(ctx context.Context, id string) (*authz.PermissionGrant, error) {
	grants, err := s.query(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, fmt.Errorf("grant %s: %w", id, authz.ErrNotFound)
	}
	return grants[0], nil
}

func (s *SQLGrantStore) ListGrants(ctx context.Context, tenantID, userID string) ([]*authz.PermissionGrant, error) {
	q := `SELECT ` + grantColumns + ` FROM permission_grants WHERE tenant_id = :tenant_id AND user_id = :user_id ORDER BY created_at, id`
	return s.query(ctx, q, map[string]any{"tenant_id": tenantID, "user_id": userID})
}

// RevokeGrant only touches rows still ACTIVE and unexpired at the revocation
// time, so a concurrent revoke or sweep cannot resurrect a terminal grant.
func (s *SQLGrantStore) RevokeGrant(ctx context.Context, id string, at time.Time) (*authz.PermissionGrant, error) {
	q := `UPDATE permission_grants SET status = :revoked, revoked_at = :at WHERE id = :id AND status = :active AND (expires_at = '' OR expires_at >= :at)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"revoked": string(authz.GrantRevoked),
		"active":  string(authz.GrantActive),
		"at":      formatTime(at),
		"id":      id,
	})
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	g, err := s.GetGrant(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("grant %s is %s: %w", id, g.StatusAt(at), authz.ErrGrantNotActive)
	}
	return g, nil
}

func (s *SQLGrantStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	q := `UPDATE permission_grants SET status = :expired WHERE status = :active AND expires_at <> '' AND expires_at < :now`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"expired": string(authz.GrantExpired),
		"active":  string(authz.GrantActive),
		"now":     formatTime(now),
	})
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLGrantStore) query(ctx context.Context, q string, params map[string]any) ([]*authz.PermissionGrant, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.PermissionGrant, 0)
	for r.Next() {
		var id, tenant, user, endpoint, op, ptype, scope, reason, grantedBy, status string
		var expiresRaw, revokedRaw, createdRaw any
		if err := r.Scan(&id, &tenant, &user, &endpoint, &op, &ptype, &scope, &expiresRaw, &reason, &grantedBy, &status, &revokedRaw, &createdRaw); err != nil {
			return nil, err
		}
		expiresAt, err := scanTime(expiresRaw)
		if err != nil {
			return nil, fmt.Errorf("grant %s expires_at: %w", id, err)
		}
		revokedAt, err := scanTime(revokedRaw)
		if err != nil {
			return nil, fmt.Errorf("grant %s revoked_at: %w", id, err)
		}
		createdAt, err := scanTime(createdRaw)
		if err != nil {
			return nil, fmt.Errorf("grant %s created_at: %w", id, err)
		}
		out = append(out, &authz.PermissionGrant{
			ID:             id,
			TenantID:       tenant,
			UserID:         user,
			Endpoint:       endpoint,
			Operation:      authz.Operation(op),
			PermissionType: authz.Effect(ptype),
			DataScope:      authz.DataScope(scope),
			ExpiresAt:      expiresAt,
			Reason:         reason,
			GrantedBy:      grantedBy,
			Status:         authz.GrantStatus(status),
			RevokedAt:      revokedAt,
			CreatedAt:      createdAt,
		})
	}
	return out, r.Err()
}
