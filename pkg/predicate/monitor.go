package predicate

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/substrate/pkg/canonicalize"
)

// Regression is an invariant that was true at its previous check and is
// false now.
type Regression struct {
	PlanID    string     `json:"plan_id"`
	Predicate Invocation `json:"predicate"`
}

// InvariantMonitor remembers the last result of every invariant per plan.
type InvariantMonitor struct {
	eval *Evaluator
	mu   sync.Mutex
	last map[string]bool // plan_id + canonical invocation -> last result
}

func NewInvariantMonitor(eval *Evaluator) *InvariantMonitor {
	return &InvariantMonitor{eval: eval, last: make(map[string]bool)}
}

// Check evaluates every invariant and returns those that flipped true->false
// since the previous Check for the same plan. Invariants seen for the first
// time establish a baseline and are never reported.
func (m *InvariantMonitor) Check(ctx context.Context, planID string, invariants []Invocation, wc *WorldContext) ([]Regression, error) {
	results := make([]bool, len(invariants))
	keys := make([]string, len(invariants))
	for i, inv := range invariants {
		ok, err := m.eval.Evaluate(ctx, ScopeInvariant, inv, wc)
		if err != nil {
			return nil, err
		}
		key, err := canonicalize.JCSString(inv)
		if err != nil {
			return nil, err
		}
		results[i], keys[i] = ok, planID+"\x00"+key
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var regressed []Regression
	for i, inv := range invariants {
		prev, seen := m.last[keys[i]]
		if seen && prev && !results[i] {
			regressed = append(regressed, Regression{PlanID: planID, Predicate: inv})
		}
		m.last[keys[i]] = results[i]
	}
	return regressed, nil
}

// Forget drops the remembered state of a plan.
func (m *InvariantMonitor) Forget(planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := planID + "\x00"
	for k := range m.last {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.last, k)
		}
	}
}
