package capability

import (
	"context"
	"fmt"
	"sort"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/policy"
	"github.com/Armour007/aura-core/internal/policy/opa"
)

// Result is the evaluator's answer for one request.
type Result struct {
	Authorized      bool     `json:"authorized"`
	DelegationDepth int      `json:"delegation_depth"`
	TokenFacts      []string `json:"token_facts"`
	Reason          string   `json:"reason,omitempty"`
}

// Evaluator checks a token against (operation, resource scope, now). It
// consults only the token, the registry of ancestors and its inputs.
type Evaluator struct {
	engine   policy.Evaluator
	cache    *policy.Cache
	registry *Registry
}

// NewEvaluator uses the Rego engine when engine is nil.
func NewEvaluator(engine policy.Evaluator, registry *Registry) *Evaluator {
	if engine == nil {
		engine = opa.New()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Evaluator{engine: engine, cache: &policy.Cache{}, registry: registry}
}

func (e *Evaluator) Registry() *Registry { return e.registry }

// ResourceType is the leading path element of a scope ("context" for
// "context/<id>/...").
func ResourceType(scope string) string {
	for i := 0; i < len(scope); i++ {
		if scope[i] == '/' {
			return scope[:i]
		}
	}
	return scope
}

// Facts lists the ambient facts injected for a request, sorted.
func Facts(t Token, operation, scope string, nowS uint64) []string {
	out := []string{
		fmt.Sprintf("operation(%q)", operation),
		fmt.Sprintf("authority(%q)", t.Authority),
		fmt.Sprintf("device(%q)", t.Device),
		fmt.Sprintf("time(%d)", nowS),
		fmt.Sprintf("resource(%q)", scope),
		fmt.Sprintf("resource_type(%q)", ResourceType(scope)),
	}
	for _, p := range t.Permissions {
		out = append(out, fmt.Sprintf("capability(%q, %q)", p.Operation, p.Scope))
	}
	sort.Strings(out)
	return out
}

// Evaluate authorizes operation on scope at nowS. Chain and signature
// failures, including an expired ancestor, are returned as errors; a policy
// deny (t's own expiry among them) is an unauthorized Result.
func (e *Evaluator) Evaluate(ctx context.Context, t Token, operation, scope string, nowS uint64) (Result, error) {
	depth, err := e.registry.verifyChain(t, 0, nowS)
	if err != nil {
		return Result{DelegationDepth: depth, Reason: err.Error()}, err
	}
	res := Result{DelegationDepth: depth, TokenFacts: Facts(t, operation, scope, nowS)}
	cp, err := e.cache.Compiled(ctx, e.engine, t.Policy)
	if err != nil {
		return res, err
	}
	d, err := e.engine.Evaluate(ctx, cp, policy.Input{
		Operation:       operation,
		Resource:        scope,
		ResourceType:    ResourceType(scope),
		Authority:       t.Authority.String(),
		Device:          t.Device.String(),
		Now:             nowS,
		ExpiresAt:       t.ExpiresAt,
		DelegationDepth: depth,
		Permissions:     t.policyPermissions(),
	})
	if err != nil {
		return res, err
	}
	res.Authorized = d.Allow
	if !d.Allow {
		res.Reason = d.Reason
	}
	return res, nil
}

// Authorize is Evaluate folded into a single error.
func (e *Evaluator) Authorize(ctx context.Context, t Token, operation, scope string, nowS uint64) (Result, error) {
	res, err := e.Evaluate(ctx, t, operation, scope, nowS)
	if err != nil {
		return res, err
	}
	if !res.Authorized {
		return res, auraerr.Errorf(auraerr.KindAuthorization, "capability.authorize", "%s denied: %s", operation, res.Reason).WithDevice(t.Device)
	}
	return res, nil
}
