package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// celEvaluator compiles and caches CEL rule programs. Programs are cached
// by (policyHash, rule) so a policy update invalidates naturally.
type celEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (c *celEvaluator) program(cacheKey, rule string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[cacheKey]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: rule compile failed: %w", issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: rule program failed: %w", err)
	}

	c.mu.Lock()
	c.cache[cacheKey] = prg
	c.mu.Unlock()
	return prg, nil
}

// evaluate runs one rule against the action. Non-boolean results are
// treated as errors, which callers handle fail-closed.
func (c *celEvaluator) evaluate(policyHash, rule string, action *contracts.Action) (bool, error) {
	prg, err := c.program(policyHash+"|"+rule, rule)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"action": map[string]any{
			"action_id":    action.ActionID,
			"actor_id":     action.ActorID,
			"action_type":  action.ActionType,
			"risk_tier":    string(action.RiskTier),
			"amount_cents": action.AmountCents,
			"metadata":     action.Metadata,
		},
	})
	if err != nil {
		return false, fmt.Errorf("policy: rule eval failed: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: rule returned %T, want bool", out.Value())
	}
	return allowed, nil
}
