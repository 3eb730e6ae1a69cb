// Package predicate evaluates declarative boolean rules against the World,
// the plan budget and an invocation's envelope. The set of predicates is
// closed: an id that is not registered is an error, never true.
package predicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/world"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

var (
	ErrUnknownPredicate = errors.New("predicate: unknown predicate")
	ErrScopeMismatch    = errors.New("predicate: not allowed in scope")
	ErrBadArgs          = errors.New("predicate: bad arguments")
	ErrMissingContext   = errors.New("predicate: missing context")
)

// Scope is where a predicate is evaluated.
type Scope string

const (
	ScopeAdmission Scope = "admission"
	ScopeSuccess   Scope = "success"
	ScopeInvariant Scope = "invariant"
)

// Invocation names a registered predicate and its arguments.
type Invocation struct {
	ID   string         `json:"id"`
	Args map[string]any `json:"args,omitempty"`
}

// BudgetView exposes the plan balance to budget predicates.
type BudgetView interface {
	Balance(ctx context.Context, planID string) (budget.Balance, error)
}

// LeaseView reports whether declared writes collide with in-flight work.
type LeaseView interface {
	Conflicts(ctx context.Context, planID, transitionID string, writes []worldpath.Selector) (bool, error)
}

// WorldContext is everything a predicate may read. Fields irrelevant to a
// scope may be nil; a predicate that needs a missing field fails with
// ErrMissingContext.
type WorldContext struct {
	PlanID       string
	TransitionID string
	World        world.Storage
	Canon        *worldpath.Canonicalizer
	Inputs       map[string]any
	Writes       []worldpath.Selector
	Estimate     budget.Amount
	Envelope     *contracts.Envelope
	Budget       BudgetView
	Leases       LeaseView
}

// Func is the typed signature of every predicate.
type Func func(ctx context.Context, args map[string]any, wc *WorldContext) (bool, error)

// Definition binds an id@version to its allowed scopes and implementation.
type Definition struct {
	ID     string
	Scopes []Scope
	Func   Func
}

func (d Definition) allows(s Scope) bool {
	for _, x := range d.Scopes {
		if x == s {
			return true
		}
	}
	return false
}

// Registry is an immutable id -> Definition table.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds a registry. Duplicate ids are rejected.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.ID == "" || d.Func == nil || len(d.Scopes) == 0 {
			return nil, fmt.Errorf("predicate: incomplete definition %q", d.ID)
		}
		if _, dup := r.defs[d.ID]; dup {
			return nil, fmt.Errorf("predicate: duplicate definition %q", d.ID)
		}
		r.defs[d.ID] = d
	}
	return r, nil
}

// IDs returns every registered id, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Check verifies every invocation names a predicate allowed in scope,
// without evaluating anything.
func (r *Registry) Check(scope Scope, invs []Invocation) error {
	for _, inv := range invs {
		d, ok := r.defs[inv.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPredicate, inv.ID)
		}
		if !d.allows(scope) {
			return fmt.Errorf("%w: %s in %s", ErrScopeMismatch, inv.ID, scope)
		}
	}
	return nil
}

// Evaluator runs invocations against a registry.
type Evaluator struct {
	reg    *Registry
	logger *slog.Logger
}

type Option func(*Evaluator)

func WithLogger(l *slog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

func NewEvaluator(reg *Registry, opts ...Option) *Evaluator {
	e := &Evaluator{reg: reg, logger: slog.Default().With("component", "predicate")}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Evaluator) Registry() *Registry { return e.reg }

// Evaluate runs one invocation in scope.
func (e *Evaluator) Evaluate(ctx context.Context, scope Scope, inv Invocation, wc *WorldContext) (bool, error) {
	d, ok := e.reg.defs[inv.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPredicate, inv.ID)
	}
	if !d.allows(scope) {
		return false, fmt.Errorf("%w: %s in %s", ErrScopeMismatch, inv.ID, scope)
	}
	if wc == nil {
		wc = &WorldContext{}
	}
	ok, err := d.Func(ctx, inv.Args, wc)
	if err != nil {
		return false, fmt.Errorf("%s: %w", inv.ID, err)
	}
	return ok, nil
}

// Result of evaluating a set of invocations.
type Result struct {
	OK     bool
	Failed *Invocation
}

// EvaluateAll evaluates invs in order and stops at the first false.
func (e *Evaluator) EvaluateAll(ctx context.Context, scope Scope, invs []Invocation, wc *WorldContext) (Result, error) {
	if wc == nil {
		wc = &WorldContext{}
	}
	for i := range invs {
		ok, err := e.Evaluate(ctx, scope, invs[i], wc)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			e.logger.DebugContext(ctx, "predicate false", "scope", scope, "predicate", invs[i].ID, "plan_id", wc.PlanID)
			return Result{OK: false, Failed: &invs[i]}, nil
		}
	}
	return Result{OK: true}, nil
}
