package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabricmanagement/authz/logger"
)

// ============================================================================
// AUTHORIZATION ENGINE
// ============================================================================

const (
	DefaultStoreTimeout      = 50 * time.Millisecond
	DefaultEvaluationTimeout = 250 * time.Millisecond
	maxResourceLength        = 2048
)

// Engine is the policy decision point. It is safe for concurrent use.
type Engine struct {
	ruleStore  RuleStore
	grantStore GrantStore
	auditStore AuditStore

	guardrails *GuardrailEvaluator
	roles      *RoleDefaultResolver
	registry   *EndpointRegistry
	cache      *DecisionCache
	recorder   *AuditRecorder
	bus        InvalidationBus

	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
	now         func() time.Time

	storeTimeout time.Duration
	evalTimeout  time.Duration
	cacheOpts    CacheOptions
	auditOpts    AuditOptions
	instanceID   string
	// publishTimeout bounds each asynchronous broadcast.
	publishTimeout time.Duration
}

// NewEngine wires an engine over the three stores. Unless overridden by
// options it uses the default guardrails, registry and role matrix.
func NewEngine(rules RuleStore, grants GrantStore, audit AuditStore, opts ...EngineOption) (*Engine, error) {
	if rules == nil || grants == nil || audit == nil {
		return nil, fmt.Errorf("rule, grant and audit stores are required")
	}
	e := &Engine{
		ruleStore:      rules,
		grantStore:     grants,
		auditStore:     audit,
		logger:         logger.NewNullLogger(),
		traceIDFunc:    uuid.NewString,
		now:            time.Now,
		storeTimeout:   DefaultStoreTimeout,
		evalTimeout:    DefaultEvaluationTimeout,
		instanceID:     uuid.NewString(),
		publishTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.registry == nil {
		e.registry = DefaultEndpointRegistry()
	}
	if e.guardrails == nil {
		e.guardrails = DefaultGuardrails(e.registry, nil, nil)
	}
	if e.roles == nil {
		e.roles = NewRoleDefaultResolver(DefaultRoleDefaults())
	}
	cache, err := NewDecisionCache(e.cacheOpts, e.now)
	if err != nil {
		return nil, fmt.Errorf("decision cache: %w", err)
	}
	e.cache = cache
	e.recorder = NewAuditRecorder(audit, e.logger, e.auditOpts)
	return e, nil
}

// Close drains the audit queue and releases the cache.
func (e *Engine) Close(ctx context.Context) error {
	err := e.recorder.Close(ctx)
	e.cache.Close()
	return err
}

func (e *Engine) DecisionCache() *DecisionCache { return e.cache }
func (e *Engine) AuditRecorder() *AuditRecorder { return e.recorder }
func (e *Engine) Registry() *EndpointRegistry { return e.registry }
func (e *Engine) InstanceID() string { return e.instanceID }
func (e *Engine) Logger() logger.Logger { return e.logger }
func (e *Engine) Guardrails() *GuardrailEvaluator { return e.guardrails }

// Evaluate decides req. The only error is a *ValidationError for a malformed
// request; every other failure yields a DENY decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*PolicyDecision, error) {
	start := time.Now()
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = e.traceIDFunc()
	}

	key := cacheKeyFor(req)
	if cached, ok := e.cache.Get(key); ok {
		cached.CacheHit = true
		cached.CorrelationID = req.CorrelationID
		e.record(req, &cached, time.Since(start))
		return &cached, nil
	}

	snap := e.cache.Snapshot(key)
	dec := e.decide(ctx, req)
	elapsed := time.Since(start)
	dec.EvaluatedAt = e.now()
	dec.EvaluationTimeMs = elapsed.Milliseconds()
	dec.CorrelationID = req.CorrelationID

	// Failures are transient; caching them would prolong an outage.
	if dec.ReasonCode != ReasonEvaluationError {
		e.cache.Put(key, snap, dec)
	}
	e.record(req, &dec, elapsed)
	return &dec, nil
}

// EvaluateBatch decides several requests. A validation failure on any request
// aborts the batch.
func (e *Engine) EvaluateBatch(ctx context.Context, reqs []Request) ([]*PolicyDecision, error) {
	out := make([]*PolicyDecision, len(reqs))
	for i, req := range reqs {
		dec, err := e.Evaluate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		out[i] = dec
	}
	return out, nil
}

func cacheKeyFor(req Request) CacheKey {
	return CacheKey{
		TenantID:    req.TenantID,
		PrincipalID: req.Principal.ID,
		Resource:    req.Resource,
		Action:      req.Operation(),
		Scope:       req.Scope,
	}
}

// decide runs the layers under the evaluation deadline and converts any
// failure, including a panic, into a fail-closed decision.
func (e *Engine) decide(parent context.Context, req Request) (dec PolicyDecision) {
	ctx, cancel := context.WithTimeout(parent, e.evalTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			dec = e.failClosed(req, fmt.Errorf("panic during evaluation: %v", r))
		}
	}()
	var err error
	dec, err = e.evaluateLayers(ctx, req)
	if err != nil {
		return e.failClosed(req, err)
	}
	return dec
}

func (e *Engine) evaluateLayers(ctx context.Context, req Request) (PolicyDecision, error) {
	op := req.Operation()

	// 1. Guardrails: absolute, cannot be overridden.
	if v := e.guardrails.Check(req); v != nil {
		return PolicyDecision{Allowed: v.Allowed, ReasonCode: ReasonGuardrail, Reason: v.Reason, PolicyID: v.Name}, nil
	}
	if err := checkDeadline(ctx); err != nil {
		return PolicyDecision{}, err
	}

	// 2. Explicit user grants.
	grants, err := callStore(ctx, e.storeTimeout, func(ctx context.Context) ([]*PermissionGrant, error) {
		return e.grantStore.ListGrants(ctx, req.TenantID, req.Principal.ID)
	})
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("grant lookup: %w", err)
	}
	gm := resolveGrants(grants, req.Resource, op, req.Scope, e.now())
	if g := gm.winner; g != nil {
		allowed := g.PermissionType == EffectAllow
		return PolicyDecision{
			Allowed:    allowed,
			ReasonCode: ReasonUserGrant,
			Reason:     fmt.Sprintf("explicit %s grant on %s (%s)", strings.ToLower(string(g.PermissionType)), g.Endpoint, g.DataScope),
			PolicyID:   g.ID,
		}, nil
	}
	if err := checkDeadline(ctx); err != nil {
		return PolicyDecision{}, err
	}

	// 3. Tenant and platform rules, highest priority first.
	rules, err := callStore(ctx, e.storeTimeout, func(ctx context.Context) ([]*PolicyRule, error) {
		return e.ruleStore.ListRules(ctx, req.TenantID)
	})
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("rule lookup: %w", err)
	}
	outcome, err := selectRule(rules, req)
	if err != nil {
		return PolicyDecision{}, err
	}
	if r := outcome.rule; r != nil {
		if len(outcome.conflict) > 0 {
			e.logger.Warn("conflicting rules at equal priority, DENY wins",
				"tenant", req.TenantID, "resource", req.Resource, "action", string(op),
				"priority", r.Priority, "winner", r.ID, "conflicting", strings.Join(outcome.conflict, ","),
				"correlation_id", req.CorrelationID)
		}
		if r.Effect == EffectDeny {
			return PolicyDecision{ReasonCode: ReasonPlatformPolicy, Reason: fmt.Sprintf("denied by rule %s (priority %d)", r.ID, r.Priority), PolicyID: r.ID}, nil
		}
		if sc := r.ApplicableScope(); !sc.Covers(req.Scope) {
			return scopeViolation(r.ID, sc, req.Scope), nil
		}
		return PolicyDecision{Allowed: true, ReasonCode: ReasonPlatformPolicy, Reason: fmt.Sprintf("allowed by rule %s (priority %d)", r.ID, r.Priority), PolicyID: r.ID}, nil
	}
	if err := checkDeadline(ctx); err != nil {
		return PolicyDecision{}, err
	}

	// 4. Role baseline, deny by default.
	requiresGrant := false
	if c, ok := e.registry.Classify(req.Resource); ok {
		requiresGrant = c.RequiresGrant
	}
	var (
		match RoleMatch
		found bool
	)
	if !requiresGrant {
		match, found = e.roles.Resolve(req.Principal, req.Resource, op)
	}
	if !found {
		if n := gm.narrower; n != nil {
			return scopeViolation(n.ID, n.DataScope, req.Scope), nil
		}
		reason := fmt.Sprintf("no role default grants %s on %s", op, req.Resource)
		if requiresGrant {
			reason = fmt.Sprintf("%s requires an explicit grant", req.Resource)
		}
		return PolicyDecision{ReasonCode: ReasonRoleNoDefaultAccess, Reason: reason}, nil
	}

	// 5. Scope check on the role baseline.
	if !match.Scope.Covers(req.Scope) {
		return scopeViolation("role:"+match.Role, match.Scope, req.Scope), nil
	}
	return PolicyDecision{
		Allowed:    true,
		ReasonCode: ReasonRoleDefault,
		Reason:     fmt.Sprintf("role %s has default %s access up to %s", match.Role, op, match.Scope),
		PolicyID:   "role:" + match.Role,
	}, nil
}

func scopeViolation(policyID string, granted, requested DataScope) PolicyDecision {
	return PolicyDecision{
		ReasonCode: ReasonScopeViolation,
		Reason:     fmt.Sprintf("access limited to %s scope, %s requested", granted, requested),
		PolicyID:   policyID,
	}
}

func (e *Engine) failClosed(req Request, err error) PolicyDecision {
	reason := "internal error during policy evaluation"
	switch {
	case errors.Is(err, ErrEvaluationTimeout):
		reason = "policy evaluation timed out"
	case errors.Is(err, context.Canceled):
		reason = "policy evaluation cancelled"
	case errors.Is(err, ErrStoreUnavailable):
		reason = "policy store unavailable"
	}
	e.logger.Error("policy evaluation failed, denying",
		"tenant", req.TenantID, "principal", req.Principal.ID, "resource", req.Resource,
		"action", req.Action, "correlation_id", req.CorrelationID, "error", err)
	return PolicyDecision{ReasonCode: ReasonEvaluationError, Reason: reason}
}

func checkDeadline(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrEvaluationTimeout
	default:
		return err
	}
}

// callStore runs fn with a deadline and stops waiting when it passes, even if
// the store ignores its context. The result channel is buffered so a late
// store call never leaks a blocked goroutine.
func callStore[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("store panic: %v", r)}
			}
		}()
		v, err := fn(sctx)
		ch <- result{v: v, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if perr := checkDeadline(ctx); perr != nil {
				return zero, perr
			}
			return zero, fmt.Errorf("%w: %v", ErrStoreUnavailable, r.err)
		}
		return r.v, nil
	case <-sctx.Done():
		if perr := checkDeadline(ctx); perr != nil {
			return zero, perr
		}
		return zero, fmt.Errorf("%w: no response within %s", ErrStoreUnavailable, timeout)
	}
}

func (e *Engine) record(req Request, dec *PolicyDecision, elapsed time.Duration) {
	entry := &AuditEntry{
		ID:            uuid.NewString(),
		Timestamp:     e.now(),
		TenantID:      req.TenantID,
		PrincipalID:   req.Principal.ID,
		Resource:      req.Resource,
		Action:        req.Action,
		Scope:         req.Scope,
		Allowed:       dec.Allowed,
		ReasonCode:    dec.ReasonCode,
		Reason:        dec.Reason,
		PolicyID:      dec.PolicyID,
		LatencyMicros: elapsed.Microseconds(),
		CacheHit:      dec.CacheHit,
		CorrelationID: req.CorrelationID,
	}
	kv := []any{
		"tenant", req.TenantID, "principal", req.Principal.ID, "resource", req.Resource,
		"action", req.Action, "scope", string(req.Scope), "reason_code", string(dec.ReasonCode),
		"policy_id", dec.PolicyID, "cache_hit", dec.CacheHit, "latency", elapsed,
		"correlation_id", req.CorrelationID,
	}
	if dec.Allowed {
		e.logger.Info("policy allow", kv...)
	} else {
		e.logger.Warn("policy deny", kv...)
	}
	e.recorder.Record(entry)
}

// normalize validates req and returns it in canonical form.
func (e *Engine) normalize(req Request) (Request, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return req, invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(req.Principal.ID) == "" {
		return req, invalid("principal", "id is required")
	}
	if err := validateResource("resource", req.Resource); err != nil {
		return req, err
	}
	if strings.ContainsAny(req.Resource, "*") {
		return req, invalid("resource", "must be a concrete path, got pattern %q", req.Resource)
	}
	if len(req.Resource) > 1 {
		req.Resource = strings.TrimRight(req.Resource, "/")
	}
	op, ok := ParseOperation(req.Action)
	if !ok {
		if op, ok = OperationFromMethod(req.Action); !ok {
			return req, invalid("action", "unknown action %q", req.Action)
		}
	}
	req.Action = string(op)
	if req.Scope == "" {
		req.Scope = e.registry.InferScope(req.Resource)
	} else {
		sc, ok := ParseScope(string(req.Scope))
		if !ok {
			return req, invalid("scope", "unknown scope %q", req.Scope)
		}
		req.Scope = sc
	}
	return req, nil
}

func validateResource(field, s string) error {
	switch {
	case s == "":
		return invalid(field, "is required")
	case s == "*" || s == "**":
		return nil
	case !strings.HasPrefix(s, "/"):
		return invalid(field, "must start with '/', got %q", s)
	case len(s) > maxResourceLength:
		return invalid(field, "longer than %d characters", maxResourceLength)
	case strings.ContainsAny(s, " \t\r\n?#"):
		return invalid(field, "contains whitespace, query or fragment")
	case strings.Contains(s, ".."):
		return invalid(field, "contains a parent segment")
	}
	return nil
}
