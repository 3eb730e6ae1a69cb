package predicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/world"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

var (
	allScopes        = []Scope{ScopeAdmission, ScopeSuccess, ScopeInvariant}
	admissionOnly    = []Scope{ScopeAdmission}
	successOnly      = []Scope{ScopeSuccess}
	admissionOrInvar = []Scope{ScopeAdmission, ScopeInvariant}
)

// Builtins returns the built-in definitions. cel may be nil, in which case
// expr.cel@1 is not registered.
func Builtins(cel *CELEngine) []Definition {
	defs := []Definition{
		{ID: "world.exists@1", Scopes: allScopes, Func: worldExists},
		{ID: "world.absent@1", Scopes: admissionOrInvar, Func: worldAbsent},
		{ID: "budget.available@1", Scopes: admissionOnly, Func: budgetAvailable},
		{ID: "writes.unleased@1", Scopes: admissionOnly, Func: writesUnleased},
		{ID: "output.exists@1", Scopes: successOnly, Func: outputExists},
		{ID: "output.schema@1", Scopes: successOnly, Func: outputSchema},
		{ID: "outputs.count@1", Scopes: successOnly, Func: outputsCount},
	}
	if cel != nil {
		defs = append(defs, Definition{ID: "expr.cel@1", Scopes: allScopes, Func: cel.eval})
	}
	return defs
}

// DefaultRegistry is the built-in registry with CEL enabled.
func DefaultRegistry() (*Registry, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewRegistry(Builtins(cel)...)
}

func worldExists(ctx context.Context, args map[string]any, wc *WorldContext) (bool, error) {
	p, err := pathArg(args, wc)
	if err != nil {
		return false, err
	}
	if wc.World == nil {
		return false, fmt.Errorf("%w: world", ErrMissingContext)
	}
	return wc.World.Exists(ctx, p)
}

func worldAbsent(ctx context.Context, args map[string]any, wc *WorldContext) (bool, error) {
	ok, err := worldExists(ctx, args, wc)
	return !ok && err == nil, err
}

func budgetAvailable(ctx context.Context, args map[string]any, wc *WorldContext) (bool, error) {
	if wc.Budget == nil {
		return false, fmt.Errorf("%w: budget", ErrMissingContext)
	}
	want := wc.Estimate
	if _, ok := args["usd_micro"]; ok {
		n, err := intArg(args, "usd_micro")
		if err != nil {
			return false, err
		}
		want = budget.Amount{USDMicro: n}
	}
	bal, err := wc.Budget.Balance(ctx, wc.PlanID)
	if err != nil {
		return false, err
	}
	if err := bal.CanReserve(want); err != nil {
		if errors.Is(err, budget.ErrInsufficient) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func writesUnleased(ctx context.Context, _ map[string]any, wc *WorldContext) (bool, error) {
	if wc.Leases == nil {
		return true, nil
	}
	conflict, err := wc.Leases.Conflicts(ctx, wc.PlanID, wc.TransitionID, wc.Writes)
	return !conflict && err == nil, err
}

func outputExists(ctx context.Context, args map[string]any, wc *WorldContext) (bool, error) {
	p, err := pathArg(args, wc)
	if err != nil {
		return false, err
	}
	if wc.Envelope == nil {
		return false, fmt.Errorf("%w: envelope", ErrMissingContext)
	}
	listed := false
	for _, o := range wc.Envelope.Outputs {
		if o.Path == p {
			listed = true
			break
		}
	}
	if !listed {
		return false, nil
	}
	if wc.World == nil {
		return true, nil
	}
	return wc.World.Exists(ctx, p)
}

func outputSchema(ctx context.Context, args map[string]any, wc *WorldContext) (bool, error) {
	p, err := pathArg(args, wc)
	if err != nil {
		return false, err
	}
	rawSchema, ok := args["schema"]
	if !ok {
		return false, fmt.Errorf("%w: schema is required", ErrBadArgs)
	}
	if wc.World == nil {
		return false, fmt.Errorf("%w: world", ErrMissingContext)
	}
	schemaJSON, err := json.Marshal(rawSchema)
	if err != nil {
		return false, fmt.Errorf("%w: schema: %v", ErrBadArgs, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://substrate.schemas.local/predicate/output.schema.json"
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return false, fmt.Errorf("%w: schema: %v", ErrBadArgs, err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return false, fmt.Errorf("%w: schema: %v", ErrBadArgs, err)
	}

	data, err := wc.World.GetBytes(ctx, p)
	if errors.Is(err, world.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return false, nil
	}
	return schema.Validate(doc) == nil, nil
}

func outputsCount(_ context.Context, args map[string]any, wc *WorldContext) (bool, error) {
	if wc.Envelope == nil {
		return false, fmt.Errorf("%w: envelope", ErrMissingContext)
	}
	n, err := intArg(args, "min")
	if err != nil {
		return false, err
	}
	return int64(len(wc.Envelope.Outputs)) >= n, nil
}

func pathArg(args map[string]any, wc *WorldContext) (string, error) {
	raw, ok := args["path"].(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: path is required", ErrBadArgs)
	}
	canon := wc.Canon
	if canon == nil {
		return worldpath.Canonicalize(raw)
	}
	return canon.Canonicalize(raw)
}

func intArg(args map[string]any, name string) (int64, error) {
	switch v := args[name].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrBadArgs, name)
		}
		return int64(v), nil
	case json.Number:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrBadArgs, name)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrBadArgs, name)
	}
}
