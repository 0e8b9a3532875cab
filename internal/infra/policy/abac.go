// Package policy implements the router's attribute-based access control
// engine: prioritized PERMIT/DENY policies evaluated over the request's
// attribute bag, with a TTL decision cache, plus the legacy escalation
// policy for confidence-based review routing.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atp-network/atp-router/internal/infra/logging"
	"github.com/atp-network/atp-router/internal/infra/observability"
)

// Effect is a policy decision effect.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// Operator compares an attribute against a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpMatches     Operator = "matches" // regex
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// DefaultCacheTTL bounds how long a cached decision stays valid.
const DefaultCacheTTL = 5 * time.Minute

// ─── Conditions ─────────────────────────────────────────────────────────────

// AttributeCondition is a single condition in a policy rule.
type AttributeCondition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// evaluate checks the condition against the attribute bag. Type and
// parse errors yield false rather than an error.
func (c AttributeCondition) evaluate(attrs map[string]any, rx *regexCache) bool {
	attrValue, present := attrs[c.Attribute]

	switch c.Operator {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	}
	if !present || attrValue == nil {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(attrValue, c.Value)
	case OpNotEquals:
		return !looseEqual(attrValue, c.Value)
	case OpIn:
		list, ok := asList(c.Value)
		if !ok {
			return false
		}
		return listContains(list, attrValue)
	case OpNotIn:
		list, ok := asList(c.Value)
		if !ok {
			return true
		}
		return !listContains(list, attrValue)
	case OpGreaterThan:
		a, okA := asFloat(attrValue)
		b, okB := asFloat(c.Value)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := asFloat(attrValue)
		b, okB := asFloat(c.Value)
		return okA && okB && a < b
	case OpContains:
		return strings.Contains(stringify(attrValue), stringify(c.Value))
	case OpMatches:
		re := rx.get(stringify(c.Value))
		return re != nil && re.MatchString(stringify(attrValue))
	}
	return false
}

// ─── Rules & Policies ───────────────────────────────────────────────────────

// PolicyRule holds conditions and an effect, optionally scoped to
// resource patterns and actions.
type PolicyRule struct {
	RuleID      string               `json:"rule_id"`
	Description string               `json:"description"`
	Effect      Effect               `json:"effect"`
	Conditions  []AttributeCondition `json:"conditions"`
	Resources   []string             `json:"resources,omitempty"` // wildcard patterns
	Actions     []string             `json:"actions,omitempty"`
}

// matchesRequest checks whether the rule applies to the resource/action.
func (r PolicyRule) matchesRequest(resource, action string, rx *regexCache) bool {
	if len(r.Resources) > 0 {
		matched := false
		for _, pattern := range r.Resources {
			if rx.matchWildcard(pattern, resource) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(r.Actions) > 0 {
		found := false
		for _, a := range r.Actions {
			if a == action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// evaluate requires every condition to hold (AND).
func (r PolicyRule) evaluate(attrs map[string]any, rx *regexCache) bool {
	for _, c := range r.Conditions {
		if !c.evaluate(attrs, rx) {
			return false
		}
	}
	return true
}

// ABACPolicy is a prioritized set of rules.
type ABACPolicy struct {
	PolicyID    string       `json:"policy_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Rules       []PolicyRule `json:"rules"`
	Priority    int          `json:"priority"`
	Enabled     bool         `json:"enabled"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// evaluate returns the effect of the first rule whose conditions hold,
// or ok=false when no rule applies.
func (p *ABACPolicy) evaluate(resource, action string, attrs map[string]any, rx *regexCache) (Effect, bool) {
	if !p.Enabled {
		return "", false
	}
	for _, rule := range p.Rules {
		if !rule.matchesRequest(resource, action, rx) {
			continue
		}
		if rule.evaluate(attrs, rx) {
			return rule.Effect, true
		}
	}
	return "", false
}

// ─── Context & Decision ─────────────────────────────────────────────────────

// Context carries everything a policy evaluation may consult.
type Context struct {
	// Legacy escalation inputs
	Confidence   *float64
	Disagreement bool

	// ABAC inputs
	UserID      string
	TenantID    string
	Roles       []string
	Groups      []string
	Attributes  map[string]any
	Resource    string
	Action      string
	Environment map[string]any
}

// allAttributes builds the flat attribute bag: user.*, request.*, custom
// attributes, and env.*-prefixed environment values. Nil values are dropped.
func (c Context) allAttributes(now time.Time) map[string]any {
	attrs := map[string]any{
		"request.timestamp": now.UTC().Format(time.RFC3339Nano),
	}
	if c.UserID != "" {
		attrs["user.id"] = c.UserID
	}
	if c.TenantID != "" {
		attrs["user.tenant_id"] = c.TenantID
	}
	if c.Roles != nil {
		attrs["user.roles"] = append([]string(nil), c.Roles...)
	}
	if c.Groups != nil {
		attrs["user.groups"] = append([]string(nil), c.Groups...)
	}
	if c.Resource != "" {
		attrs["request.resource"] = c.Resource
	}
	if c.Action != "" {
		attrs["request.action"] = c.Action
	}
	for k, v := range c.Attributes {
		if v != nil {
			attrs[k] = v
		}
	}
	for k, v := range c.Environment {
		if v != nil {
			attrs["env."+k] = v
		}
	}
	return attrs
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	// Legacy escalation outcome
	Escalate bool   `json:"escalate"`
	Reason   string `json:"reason,omitempty"`

	// ABAC outcome
	Effect             Effect   `json:"effect,omitempty"`
	Permitted          bool     `json:"permitted"`
	ApplicablePolicies []string `json:"applicable_policies,omitempty"`
	EvaluationTimeMS   float64  `json:"evaluation_time_ms"`
}

// ─── Engine ─────────────────────────────────────────────────────────────────

// Config configures the policy engine.
type Config struct {
	CacheTTL   time.Duration
	Escalation EscalationPolicy
	Logger     logging.Logger
	Now        func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:   DefaultCacheTTL,
		Escalation: DefaultEscalationPolicy(),
		Logger:     logging.Std(),
		Now:        time.Now,
	}
}

type cachedDecision struct {
	decision Decision
	storedAt time.Time
}

// Engine evaluates ABAC policies with a TTL decision cache.
// Thread-safe: a single mutex guards the policy set and the cache.
type Engine struct {
	mu         sync.Mutex
	policies   map[string]*ABACPolicy
	cache      map[string]cachedDecision
	cacheTTL   time.Duration
	escalation EscalationPolicy
	rx         *regexCache
	log        logging.Logger
	now        func() time.Time
}

// NewEngine creates a policy engine from cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Std()
	}
	return &Engine{
		policies:   make(map[string]*ABACPolicy),
		cache:      make(map[string]cachedDecision),
		cacheTTL:   cfg.CacheTTL,
		escalation: cfg.Escalation,
		rx:         newRegexCache(),
		log:        cfg.Logger,
		now:        cfg.Now,
	}
}

// AddPolicy adds or replaces a policy and clears the decision cache.
func (e *Engine) AddPolicy(p *ABACPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p.UpdatedAt = e.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	e.policies[p.PolicyID] = p
	e.clearCacheLocked()
	e.log.WithField("policy_id", p.PolicyID).Info("ABAC policy added")
}

// RemovePolicy deletes a policy and clears the decision cache.
func (e *Engine) RemovePolicy(policyID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[policyID]; !ok {
		return false
	}
	delete(e.policies, policyID)
	e.clearCacheLocked()
	e.log.WithField("policy_id", policyID).Info("ABAC policy removed")
	return true
}

// SetEnabled flips a policy's enabled bit and clears the decision cache.
func (e *Engine) SetEnabled(policyID string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[policyID]
	if !ok {
		return false
	}
	p.Enabled = enabled
	p.UpdatedAt = e.now()
	e.clearCacheLocked()
	return true
}

// GetPolicy returns a policy by ID.
func (e *Engine) GetPolicy(policyID string) (*ABACPolicy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[policyID]
	return p, ok
}

// ListPolicies returns all policies sorted by descending priority.
func (e *Engine) ListPolicies() []*ABACPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedPoliciesLocked()
}

// EvaluateABAC evaluates the policy set for the given context.
// DENY takes precedence; no applicable policy means DENY.
func (e *Engine) EvaluateABAC(ctx context.Context, pctx Context) Decision {
	start := e.now()
	observability.ABACEvaluations.Inc()

	tracer := observability.GetTracer()
	span := tracer.StartSpan(ctx, "policy.evaluate_abac")
	span.SetAttr("abac.resource", pctx.Resource)
	span.SetAttr("abac.action", pctx.Action)
	span.SetAttr("abac.user_id", pctx.UserID)
	span.SetAttr("abac.tenant_id", pctx.TenantID)
	defer tracer.EndSpan(span, nil)

	if pctx.Resource == "" || pctx.Action == "" {
		observability.ABACDenies.Inc()
		return Decision{Effect: EffectDeny, Permitted: false, Reason: "missing_resource_or_action"}
	}

	cacheKey := cacheKeyFor(pctx)

	e.mu.Lock()
	if cached, ok := e.cache[cacheKey]; ok {
		if e.now().Sub(cached.storedAt) < e.cacheTTL {
			e.mu.Unlock()
			observability.PolicyCacheHits.Inc()
			return cached.decision
		}
		delete(e.cache, cacheKey)
	}
	observability.PolicyCacheMisses.Inc()

	attrs := pctx.allAttributes(e.now())
	var applicable []string
	var finalEffect Effect

	for _, p := range e.sortedPoliciesLocked() {
		effect, ok := p.evaluate(pctx.Resource, pctx.Action, attrs, e.rx)
		if !ok {
			continue
		}
		applicable = append(applicable, p.PolicyID)
		if finalEffect == "" {
			finalEffect = effect
		}
		if effect == EffectDeny {
			finalEffect = EffectDeny
			break
		}
	}
	if finalEffect == "" {
		finalEffect = EffectDeny
	}

	decision := Decision{
		Effect:             finalEffect,
		Permitted:          finalEffect == EffectPermit,
		ApplicablePolicies: applicable,
		EvaluationTimeMS:   float64(e.now().Sub(start)) / float64(time.Millisecond),
	}
	e.cache[cacheKey] = cachedDecision{decision: decision, storedAt: e.now()}
	e.mu.Unlock()

	if decision.Permitted {
		observability.ABACPermits.Inc()
	} else {
		observability.ABACDenies.Inc()
	}
	return decision
}

// Evaluate runs the escalation policy and, when the context carries a
// resource and action, the ABAC policies as well.
func (e *Engine) Evaluate(ctx context.Context, pctx Context) Decision {
	esc := e.escalation.Evaluate(ctx, pctx)
	if pctx.Resource == "" || pctx.Action == "" {
		return esc
	}
	abac := e.EvaluateABAC(ctx, pctx)
	abac.Escalate = esc.Escalate
	abac.Reason = esc.Reason
	return abac
}

// CacheSize returns the number of cached decisions.
func (e *Engine) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

func (e *Engine) clearCacheLocked() {
	e.cache = make(map[string]cachedDecision)
}

func (e *Engine) sortedPoliciesLocked() []*ABACPolicy {
	out := make([]*ABACPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].PolicyID < out[j].PolicyID
	})
	return out
}

// cacheKeyFor builds a deterministic key over the decision-relevant
// context. Map keys are sorted by encoding/json; role and group sets
// are sorted explicitly.
func cacheKeyFor(pctx Context) string {
	roles := append([]string(nil), pctx.Roles...)
	groups := append([]string(nil), pctx.Groups...)
	sort.Strings(roles)
	sort.Strings(groups)
	key, _ := json.Marshal(map[string]any{
		"resource":   pctx.Resource,
		"action":     pctx.Action,
		"user_id":    pctx.UserID,
		"tenant_id":  pctx.TenantID,
		"roles":      roles,
		"groups":     groups,
		"attributes": pctx.Attributes,
	})
	return string(key)
}

// ─── Value Coercion ─────────────────────────────────────────────────────────

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func listContains(list []any, v any) bool {
	for _, item := range list {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

// looseEqual compares numerically when both sides coerce to float,
// otherwise by string form.
func looseEqual(a, b any) bool {
	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	if okA && okB {
		return fa == fb
	}
	return stringify(a) == stringify(b)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ─── Regex Cache ────────────────────────────────────────────────────────────

// regexCache caches compiled patterns per source string; patterns that
// fail to compile are cached as nil so they never match.
type regexCache struct {
	mu sync.Mutex
	m  map[string]*regexp.Regexp
}

func newRegexCache() *regexCache {
	return &regexCache{m: make(map[string]*regexp.Regexp)}
}

// get compiles and caches the pattern, anchored at the start.
func (c *regexCache) get(pattern string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.m[pattern]; ok {
		return re
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		re = nil
	}
	c.m[pattern] = re
	return re
}

// matchWildcard matches a resource against a wildcard pattern
// (* → any run, ? → any single character), fully anchored.
func (c *regexCache) matchWildcard(pattern, resource string) bool {
	translated := strings.ReplaceAll(pattern, "*", ".*")
	translated = strings.ReplaceAll(translated, "?", ".")
	key := "wildcard:" + pattern

	c.mu.Lock()
	re, ok := c.m[key]
	if !ok {
		var err error
		re, err = regexp.Compile("^" + translated + "$")
		if err != nil {
			re = nil
		}
		c.m[key] = re
	}
	c.mu.Unlock()
	return re != nil && re.MatchString(resource)
}
