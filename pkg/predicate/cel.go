package predicate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEngine compiles and caches boolean CEL expressions over an
// invocation's inputs, outputs, envelope meta and plan id.
type CELEngine struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("inputs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("outputs", cel.ListType(cel.DynType)),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("plan_id", cel.StringType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	return &CELEngine{env: env, programs: make(map[string]cel.Program)}, nil
}

func (c *CELEngine) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgs, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must be boolean, got %s", ErrBadArgs, t)
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

func (c *CELEngine) eval(_ context.Context, args map[string]any, wc *WorldContext) (bool, error) {
	expr, ok := args["expr"].(string)
	if !ok || expr == "" {
		return false, fmt.Errorf("%w: expr is required", ErrBadArgs)
	}
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}

	activation := map[string]any{
		"inputs":  orEmpty(wc.Inputs),
		"outputs": []any{},
		"meta":    map[string]any{},
		"plan_id": wc.PlanID,
	}
	if wc.Envelope != nil {
		outs, err := toJSON(wc.Envelope.Outputs)
		if err != nil {
			return false, err
		}
		if list, ok := outs.([]any); ok {
			activation["outputs"] = list
		}
		meta, err := toJSON(wc.Envelope.Meta)
		if err != nil {
			return false, err
		}
		if m, ok := meta.(map[string]any); ok {
			activation["meta"] = m
		}
	}

	val, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("cel runtime error: %w", err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression did not yield a bool", ErrBadArgs)
	}
	return b, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func toJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
