package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fabricmanagement/authz"
)

// MemoryRuleStore implements rule persistence in-memory for testing/demo
type MemoryRuleStore struct {
	mu        sync.RWMutex
	rules     map[string]*authz.PolicyRule
	histories map[string][]*authz.PolicyRule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]*authz.PolicyRule), histories: make(map[string][]*authz.PolicyRule)}
}

func (s *MemoryRuleStore) CreateRule(ctx context.Context, r *authz.PolicyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	s.rules[r.ID] = cloneRule(r)
	return nil
}

// UpdateRule keeps the replaced version in the rule's history.
func (s *MemoryRuleStore) UpdateRule(ctx context.Context, r *authz.PolicyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.rules[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, authz.ErrNotFound)
	}
	s.histories[r.ID] = append(s.histories[r.ID], old)
	s.rules[r.ID] = cloneRule(r)
	return nil
}

// GetRuleHistory returns the superseded versions of a rule, oldest first.
func (s *MemoryRuleStore) GetRuleHistory(ctx context.Context, id string) ([]*authz.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, fmt.Errorf("no history for rule %s: %w", id, authz.ErrNotFound)
	}
	out := make([]*authz.PolicyRule, len(h))
	for i, r := range h {
		out[i] = cloneRule(r)
	}
	return out, nil
}

func (s *MemoryRuleStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, authz.ErrNotFound)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, id string) (*authz.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, authz.ErrNotFound)
	}
	return cloneRule(r), nil
}

func (s *MemoryRuleStore) ListRules(ctx context.Context, tenantID string) ([]*authz.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*authz.PolicyRule, 0)
	for _, r := range s.rules {
		if r.TenantID == tenantID || r.TenantID == "" {
			result = append(result, cloneRule(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// MemoryGrantStore keeps grants indexed by tenant and user.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[string]*authz.PermissionGrant
	byUser map[string][]string // tenant|user -> grant ids
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[string]*authz.PermissionGrant), byUser: make(map[string][]string)}
}

func userKey(tenantID, userID string) string { return tenantID + "|" + userID }

func (s *MemoryGrantStore) CreateGrant(ctx context.Context, g *authz.PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.ID]; ok {
		return fmt.Errorf("grant %s already exists", g.ID)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	s.grants[g.ID] = cloneGrant(g)
	k := userKey(g.TenantID, g.UserID)
	s.byUser[k] = append(s.byUser[k], g.ID)
	return nil
}

func (s *MemoryGrantStore) GetGrant(ctx context.Context, id string) (*authz.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("grant %s: %w", id, authz.ErrNotFound)
	}
	return cloneGrant(g), nil
}

func (s *MemoryGrantStore) ListGrants(ctx context.Context, tenantID, userID string) ([]*authz.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userKey(tenantID, userID)]
	out := make([]*authz.PermissionGrant, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneGrant(s.grants[id]))
	}
	return out, nil
}

func (s *MemoryGrantStore) RevokeGrant(ctx context.Context, id string, at time.Time) (*authz.PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("grant %s: %w", id, authz.ErrNotFound)
	}
	if st := g.StatusAt(at); st != authz.GrantActive {
		return nil, fmt.Errorf("grant %s is %s: %w", id, st, authz.ErrGrantNotActive)
	}
	g.Status = authz.GrantRevoked
	g.RevokedAt = at
	return cloneGrant(g), nil
}

func (s *MemoryGrantStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.grants {
		if g.Status == authz.GrantActive && !g.ExpiresAt.IsZero() && g.ExpiresAt.Before(now) {
			g.Status = authz.GrantExpired
			n++
		}
	}
	return n, nil
}

// MemoryAuditStore keeps the trail in a slice in arrival order.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*authz.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) LogDecisions(ctx context.Context, entries []*authz.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		dup := *e
		s.entries = append(s.entries, &dup)
	}
	return nil
}

func inWindow(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}

// ListDecisions returns matching entries, newest first.
func (s *MemoryAuditStore) ListDecisions(ctx context.Context, filter authz.AuditFilter) ([]*authz.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	result := make([]*authz.AuditEntry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.PrincipalID != "" && entry.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.Resource != "" && entry.Resource != filter.Resource {
			continue
		}
		if filter.DeniedOnly && entry.Allowed {
			continue
		}
		if !inWindow(entry.Timestamp, filter.StartTime, filter.EndTime) {
			continue
		}
		dup := *entry
		result = append(result, &dup)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Stats aggregates over [from, to). An empty tenantID covers every tenant.
func (s *MemoryAuditStore) Stats(ctx context.Context, tenantID string, from, to time.Time) (authz.AuditStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total, allowed int64
	var latency float64
	for _, e := range s.entries {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if !inWindow(e.Timestamp, from, to) {
			continue
		}
		total++
		if e.Allowed {
			allowed++
		}
		latency += float64(e.LatencyMicros)
	}
	return authz.NewAuditStats(total, allowed, latency), nil
}

// Len reports how many entries were written.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
