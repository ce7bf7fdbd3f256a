package authz

import (
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration) (*DecisionCache, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)}
	c, err := NewDecisionCache(CacheOptions{TTL: ttl}, clock.Now)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)
	return c, clock
}

func putAndWait(t *testing.T, c *DecisionCache, k CacheKey, d PolicyDecision) {
	t.Helper()
	if !c.Put(k, c.Snapshot(k), d) {
		t.Fatalf("put rejected for %s", k)
	}
	c.Wait()
}

var (
	keyA = CacheKey{TenantID: "t1", PrincipalID: "u1", Resource: "/api/v1/orders", Action: OpRead, Scope: ScopeTenant}
	keyB = CacheKey{TenantID: "t1", PrincipalID: "u2", Resource: "/api/v1/orders", Action: OpRead, Scope: ScopeTenant}
	keyC = CacheKey{TenantID: "t2", PrincipalID: "u3", Resource: "/api/v1/orders", Action: OpRead, Scope: ScopeTenant}
	keyD = CacheKey{TenantID: "t1", PrincipalID: "u4", Resource: "/api/v1/looms/4", Action: OpWrite, Scope: ScopeTeam}
)

func TestDecisionCacheGetPut(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	if _, ok := c.Get(keyA); ok {
		t.Fatalf("empty cache returned a decision")
	}
	putAndWait(t, c, keyA, PolicyDecision{Allowed: true, ReasonCode: ReasonRoleDefault})
	got, ok := c.Get(keyA)
	if !ok || !got.Allowed || got.ReasonCode != ReasonRoleDefault {
		t.Fatalf("unexpected cached value %+v ok=%v", got, ok)
	}
	if st := c.Stats(); st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestDecisionCacheExpiresOnInjectedClock(t *testing.T) {
	c, clock := newTestCache(t, time.Minute)
	putAndWait(t, c, keyA, PolicyDecision{Allowed: true})
	clock.Advance(59 * time.Second)
	if _, ok := c.Get(keyA); !ok {
		t.Fatalf("entry expired early")
	}
	clock.Advance(2 * time.Second)
	if _, ok := c.Get(keyA); ok {
		t.Fatalf("entry served after its TTL")
	}
}

func TestDecisionCacheInvalidation(t *testing.T) {
	cases := []struct {
		name    string
		target  InvalidationTarget
		dropped map[CacheKey]bool
	}{
		{"key", KeyTarget(keyA), map[CacheKey]bool{keyA: true}},
		{"user", UserTarget("u2"), map[CacheKey]bool{keyB: true}},
		{"tenant", TenantTarget("t1"), map[CacheKey]bool{keyA: true, keyB: true, keyD: true}},
		{"all", AllTarget(), map[CacheKey]bool{keyA: true, keyB: true, keyC: true, keyD: true}},
		{"endpoint across tenants", EndpointTarget("/api/v1/orders"), map[CacheKey]bool{keyA: true, keyB: true, keyC: true}},
		{"endpoint pattern", EndpointTarget("/api/v1/looms/**"), map[CacheKey]bool{keyD: true}},
		{"endpoint without pattern", EndpointTarget(""), map[CacheKey]bool{keyA: true, keyB: true, keyC: true, keyD: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestCache(t, time.Minute)
			for _, k := range []CacheKey{keyA, keyB, keyC, keyD} {
				putAndWait(t, c, k, PolicyDecision{Allowed: true, PolicyID: k.PrincipalID})
			}
			c.Invalidate(tc.target)
			for _, k := range []CacheKey{keyA, keyB, keyC, keyD} {
				_, ok := c.Get(k)
				if ok == tc.dropped[k] {
					t.Fatalf("key %s: present=%v, expected dropped=%v", k.PrincipalID, ok, tc.dropped[k])
				}
			}
		})
	}
}

func TestDecisionCacheRejectsStalePut(t *testing.T) {
	cases := []struct {
		name   string
		target InvalidationTarget
	}{
		{"user", UserTarget("u1")},
		{"tenant", TenantTarget("t1")},
		{"key", KeyTarget(keyA)},
		{"endpoint", EndpointTarget("/api/v1/**")},
		{"all", AllTarget()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestCache(t, time.Minute)
			snap := c.Snapshot(keyA)
			c.Invalidate(tc.target)
			if c.Put(keyA, snap, PolicyDecision{Allowed: true}) {
				t.Fatalf("put computed before an invalidation must be discarded")
			}
			c.Wait()
			if _, ok := c.Get(keyA); ok {
				t.Fatalf("stale decision became visible")
			}
		})
	}

	// Other users' epochs are untouched.
	c, _ := newTestCache(t, time.Minute)
	c.Invalidate(UserTarget("u1"))
	c.Invalidate(KeyTarget(keyA))
	snap := c.Snapshot(keyB)
	if !c.Put(keyB, snap, PolicyDecision{Allowed: true}) {
		t.Fatalf("unrelated key rejected")
	}
}

func TestCacheKeyStringIsUnambiguous(t *testing.T) {
	a := CacheKey{TenantID: "t1", PrincipalID: "u", Resource: "/x"}
	b := CacheKey{TenantID: "t", PrincipalID: "1u", Resource: "/x"}
	if a.String() == b.String() {
		t.Fatalf("distinct keys collide: %q", a.String())
	}
}
