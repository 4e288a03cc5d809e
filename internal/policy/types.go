// Package policy defines the pluggable evaluator that capability tokens are
// checked with, plus a compiled-policy cache.
package policy

import "context"

// EngineRego names the OPA/Rego evaluator.
const EngineRego = "rego"

// Decision is the outcome of evaluating a token against a request.
type Decision struct {
	Allow   bool     `json:"allow"`
	Reason  string   `json:"reason,omitempty"`
	TraceID string   `json:"trace_id,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// Permission is one scoped operation a token grants.
type Permission struct {
	Operation string `json:"operation"`
	Scope     string `json:"scope"`
}

// Input is the ambient fact set the evaluator sees. Nothing outside it is
// consulted, so evaluation is deterministic.
type Input struct {
	Operation       string       `json:"operation"`
	Resource        string       `json:"resource"`
	ResourceType    string       `json:"resource_type"`
	Authority       string       `json:"authority"`
	Device          string       `json:"device"`
	Now             uint64       `json:"now"`
	ExpiresAt       *uint64      `json:"expires_at"`
	DelegationDepth int          `json:"delegation_depth"`
	Permissions     []Permission `json:"permissions"`
}

// Evaluator is the pluggable policy evaluator interface.
type Evaluator interface {
	// Compile prepares the base rules together with an optional token module.
	Compile(ctx context.Context, tokenModule string) (CompiledPolicy, error)
	Evaluate(ctx context.Context, compiled CompiledPolicy, input Input) (Decision, error)
	Name() string
}

// CompiledPolicy is an opaque compiled artifact.
type CompiledPolicy interface{}
