// Package policy decides whether paused runs are continued without asking the
// user, using an OPA rego module.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/agentlink/protocol"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionHold     Decision = "hold"
)

// Input is the document the policy is evaluated against.
type Input struct {
	RunID     string
	Reason    string
	Mode      protocol.ContinuationMode
	Stats     json.RawMessage
	Continued int // runs already continued by policy in this session
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.continuation_policy.decision"),
		rego.Module("continuation_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the decision for a paused run. A policy that produces no
// decision holds the run.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in.document()))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionHold, nil
	}

	switch val := results[0].Expressions[0].Value; val {
	case string(DecisionContinue):
		return DecisionContinue, nil
	case string(DecisionHold):
		return DecisionHold, nil
	default:
		return "", fmt.Errorf("unexpected policy decision %v", val)
	}
}

func (in Input) document() map[string]any {
	doc := map[string]any{
		"run_id":    in.RunID,
		"reason":    in.Reason,
		"mode":      string(in.Mode),
		"continued": in.Continued,
		"stats":     map[string]any{},
	}
	if len(in.Stats) > 0 {
		var stats map[string]any
		if err := json.Unmarshal(in.Stats, &stats); err == nil {
			doc["stats"] = stats
		}
	}
	return doc
}

// DefaultPolicy continues runs that stopped on a resource limit, up to five
// times per session, and holds everything else for the user.
const DefaultPolicy = `
package continuation_policy

import rego.v1

default decision := "hold"

resource_limits := {"max_steps", "timeout"}

decision := "continue" if {
	input.reason in resource_limits
	input.continued < 5
}
`
