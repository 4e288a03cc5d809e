// Package opa evaluates capability tokens with OPA/Rego.
package opa

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/policy"
	"github.com/open-policy-agent/opa/rego"
)

// BaseModule grants an operation when some permission covers it in scope,
// the token has not expired, and the token module raises no deny.
// Wildcards only cover known categories; unknown operations need an exact
// permission.
const BaseModule = `package aura.capability

import rego.v1

known_categories := {
	"choreography", "consensus", "dkd", "enrollment", "fact", "guardian",
	"journal", "receipt", "recovery", "storage", "sync", "tree",
}

category := split(input.operation, ":")[0]

op_known if known_categories[category]

covers(p) if p.operation == input.operation

covers(p) if {
	op_known
	p.operation == concat(":", [category, "*"])
}

covers(p) if {
	op_known
	p.operation == "*"
}

in_scope(p) if p.scope == ""

in_scope(p) if p.scope == "*"

in_scope(p) if p.scope == input.resource

in_scope(p) if startswith(input.resource, concat("", [p.scope, "/"]))

granted if {
	some p in input.permissions
	covers(p)
	in_scope(p)
}

expired if {
	input.expires_at != null
	input.now >= input.expires_at
}

token_denied if count(data.aura.token.deny) > 0

default allow := false

allow if {
	granted
	not expired
	not token_denied
}

reasons contains "no permission covers the operation" if not granted

reasons contains "token expired" if expired

reasons contains msg if {
	some msg in data.aura.token.deny
}

decision := {"allow": allow, "reasons": reasons}
`

const query = "data.aura.capability.decision"

// Evaluator implements policy.Evaluator using OPA/Rego.
type Evaluator struct{}

func New() policy.Evaluator { return &Evaluator{} }

func (e *Evaluator) Name() string { return policy.EngineRego }

type compiled struct {
	query rego.PreparedEvalQuery
}

// Compile prepares BaseModule plus tokenModule, which must declare
// package aura.token when given.
func (e *Evaluator) Compile(ctx context.Context, tokenModule string) (policy.CompiledPolicy, error) {
	opts := []func(*rego.Rego){
		rego.Module("capability.rego", BaseModule),
		rego.Query(query),
	}
	if tokenModule != "" {
		opts = append(opts, rego.Module("token.rego", tokenModule))
	}
	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "opa.compile", err)
	}
	return &compiled{query: pq}, nil
}

// Evaluate runs the prepared query; a missing result is a deny.
func (e *Evaluator) Evaluate(ctx context.Context, comp policy.CompiledPolicy, input policy.Input) (policy.Decision, error) {
	c, ok := comp.(*compiled)
	if !ok {
		return policy.Decision{}, ErrBadCompiled
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return policy.Decision{}, auraerr.Wrap(auraerr.KindInvalid, "opa.evaluate", err)
	}
	var in any
	if err := json.Unmarshal(raw, &in); err != nil {
		return policy.Decision{}, auraerr.Wrap(auraerr.KindInvalid, "opa.evaluate", err)
	}
	res, err := c.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return policy.Decision{}, auraerr.Wrap(auraerr.KindInvalid, "opa.evaluate", err)
	}
	d := policy.Decision{}
	if len(res) > 0 && len(res[0].Expressions) > 0 {
		if m, ok := res[0].Expressions[0].Value.(map[string]any); ok {
			d.Allow, _ = m["allow"].(bool)
			if rs, ok := m["reasons"].([]any); ok {
				for _, r := range rs {
					if s, ok := r.(string); ok {
						d.Reasons = append(d.Reasons, s)
					}
				}
			}
		}
	}
	sort.Strings(d.Reasons)
	d.Reason = "OPA allow"
	if !d.Allow {
		d.Reason = "OPA deny"
		if len(d.Reasons) > 0 {
			d.Reason = d.Reasons[0]
		}
	}
	return d, nil
}

var ErrBadCompiled = &evalError{"invalid compiled policy type"}

type evalError struct{ s string }

func (e *evalError) Error() string { return e.s }
