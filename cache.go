package authz

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/fabricmanagement/authz/utils"
)

// DefaultDecisionCacheTTL is how long a decision stays cached.
const DefaultDecisionCacheTTL = 5 * time.Minute

// CacheKey identifies one cached decision.
type CacheKey struct {
	TenantID    string
	PrincipalID string
	Resource    string
	Action      Operation
	Scope       DataScope
}

func (k CacheKey) String() string {
	return strings.Join([]string{k.TenantID, k.PrincipalID, k.Resource, string(k.Action), string(k.Scope)}, "\x1f")
}

// InvalidationKind selects what an invalidation drops.
type InvalidationKind string

const (
	InvalidateKeyKind    InvalidationKind = "key"
	InvalidateTenantKind InvalidationKind = "tenant"
	InvalidateUserKind   InvalidationKind = "user"
	InvalidateAllKind    InvalidationKind = "all"

	// InvalidateEndpointKind drops every decision whose resource matches a
	// pattern, across tenants and users.
	InvalidateEndpointKind InvalidationKind = "endpoint"
)

// InvalidationTarget describes a set of cache entries.
type InvalidationTarget struct {
	Kind     InvalidationKind `json:"kind"`
	TenantID string           `json:"tenant_id,omitempty"`
	UserID   string           `json:"user_id,omitempty"`
	Key      *CacheKey        `json:"key,omitempty"`
	Endpoint string           `json:"endpoint,omitempty"`
}

func KeyTarget(k CacheKey) InvalidationTarget { return InvalidationTarget{Kind: InvalidateKeyKind, Key: &k} }
func TenantTarget(tenantID string) InvalidationTarget {
	return InvalidationTarget{Kind: InvalidateTenantKind, TenantID: tenantID}
}
func UserTarget(userID string) InvalidationTarget {
	return InvalidationTarget{Kind: InvalidateUserKind, UserID: userID}
}
func AllTarget() InvalidationTarget { return InvalidationTarget{Kind: InvalidateAllKind} }
func EndpointTarget(pattern string) InvalidationTarget {
	return InvalidationTarget{Kind: InvalidateEndpointKind, Endpoint: pattern}
}

// Epochs is the invalidation generation an evaluation started under. An entry
// is only served while every epoch it was computed under is still current.
type Epochs struct {
	global   uint64
	tenant   uint64
	user     uint64
	key      uint64
	endpoint uint64
}

type cacheEntry struct {
	decision  PolicyDecision
	expiresAt time.Time
	epochs    Epochs
}

// CacheOptions sizes the underlying ristretto cache.
type CacheOptions struct {
	TTL         time.Duration
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultDecisionCacheTTL
	}
	if o.MaxCost <= 0 {
		o.MaxCost = 100_000
	}
	if o.NumCounters <= 0 {
		o.NumCounters = o.MaxCost * 10
	}
	if o.BufferItems <= 0 {
		o.BufferItems = 64
	}
	return o
}

// DecisionCache memoizes decisions. Reads take no exclusive locks; every
// invalidation bumps an epoch counter, so results computed before it are never
// stored.
type DecisionCache struct {
	store   *ristretto.Cache
	ttl     time.Duration
	now     func() time.Time
	global  atomic.Uint64
	tenants sync.Map // tenantID -> *atomic.Uint64
	users   sync.Map // userID -> *atomic.Uint64
	keys    sync.Map // CacheKey.String() -> *atomic.Uint64

	// endpoint generations; a key's endpoint epoch is the sum over the
	// patterns its resource matches
	endpointMu sync.RWMutex
	endpoints  map[string]uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewDecisionCache builds a cache. now may be nil.
func NewDecisionCache(opts CacheOptions, now func() time.Time) (*DecisionCache, error) {
	opts = opts.withDefaults()
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        opts.NumCounters,
		MaxCost:            opts.MaxCost,
		BufferItems:        opts.BufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &DecisionCache{store: store, ttl: opts.TTL, now: now}, nil
}

func (c *DecisionCache) TTL() time.Duration { return c.ttl }

func counter(m *sync.Map, id string) *atomic.Uint64 {
	if v, ok := m.Load(id); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := m.LoadOrStore(id, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func peek(m *sync.Map, id string) uint64 {
	if v, ok := m.Load(id); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// Snapshot captures the epochs for key. Take it before reading any store so an
// invalidation that races the evaluation discards its result.
func (c *DecisionCache) Snapshot(key CacheKey) Epochs {
	return Epochs{
		global:   c.global.Load(),
		tenant:   peek(&c.tenants, key.TenantID),
		user:     peek(&c.users, key.PrincipalID),
		key:      peek(&c.keys, key.String()),
		endpoint: c.endpointEpoch(key.Resource),
	}
}

func (c *DecisionCache) endpointEpoch(resource string) uint64 {
	c.endpointMu.RLock()
	defer c.endpointMu.RUnlock()
	var sum uint64
	for pattern, gen := range c.endpoints {
		if utils.MatchResource(resource, pattern) {
			sum += gen
		}
	}
	return sum
}

// Get returns a live decision for key.
func (c *DecisionCache) Get(key CacheKey) (PolicyDecision, bool) {
	v, ok := c.store.Get(key.String())
	if !ok {
		c.misses.Add(1)
		return PolicyDecision{}, false
	}
	entry := v.(*cacheEntry)
	if c.now().After(entry.expiresAt) || entry.epochs != c.Snapshot(key) {
		c.misses.Add(1)
		return PolicyDecision{}, false
	}
	c.hits.Add(1)
	return entry.decision, true
}

// Put stores decision under key if no invalidation happened since snap.
func (c *DecisionCache) Put(key CacheKey, snap Epochs, decision PolicyDecision) bool {
	if snap != c.Snapshot(key) {
		return false
	}
	entry := &cacheEntry{decision: decision, expiresAt: c.now().Add(c.ttl), epochs: snap}
	return c.store.SetWithTTL(key.String(), entry, 1, c.ttl)
}

// Invalidate drops the entries described by t.
func (c *DecisionCache) Invalidate(t InvalidationTarget) {
	switch t.Kind {
	case InvalidateKeyKind:
		if t.Key != nil {
			k := t.Key.String()
			counter(&c.keys, k).Add(1)
			c.store.Del(k)
		}
	case InvalidateTenantKind:
		counter(&c.tenants, t.TenantID).Add(1)
	case InvalidateUserKind:
		counter(&c.users, t.UserID).Add(1)
	case InvalidateEndpointKind:
		if t.Endpoint == "" {
			c.global.Add(1)
			c.store.Clear()
			return
		}
		c.endpointMu.Lock()
		if c.endpoints == nil {
			c.endpoints = make(map[string]uint64)
		}
		c.endpoints[t.Endpoint]++
		c.endpointMu.Unlock()
	default:
		c.global.Add(1)
		c.store.Clear()
	}
}

// Wait blocks until buffered writes are applied. Used by tests and tooling.
func (c *DecisionCache) Wait() { c.store.Wait() }

// Close releases the cache's background goroutines.
func (c *DecisionCache) Close() { c.store.Close() }

// CacheStats are hit/miss counters since construction.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

func (c *DecisionCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
