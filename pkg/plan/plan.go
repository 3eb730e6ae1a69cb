// Package plan holds plans, their transitions and the transition state
// machine. Transition state changes only through CompareAndSwapState.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/predicate"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

var (
	ErrNotFound          = errors.New("plan: not found")
	ErrExists            = errors.New("plan: already exists")
	ErrStateConflict     = errors.New("plan: state changed concurrently")
	ErrIllegalTransition = errors.New("plan: illegal state transition")
)

// State is a transition lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateRunnable State = "runnable"
	StateApplying State = "applying"
	StateSettled  State = "settled"
	StateFailed   State = "failed"
)

var legal = map[State][]State{
	StatePending:  {StateRunnable, StateFailed},
	StateRunnable: {StateApplying, StateFailed},
	StateApplying: {StateSettled, StateFailed, StateRunnable},
}

// CanTransition reports whether from -> to is a legal edge. applying ->
// runnable is the retry edge.
func CanTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further state change is possible.
func (s State) Terminal() bool { return s == StateSettled || s == StateFailed }

// Plan is a budget and safety scope. Snapshot holds the registry bundle
// SnapshotHash covers.
type Plan struct {
	ID           string                 `json:"id"`
	Ceiling      budget.Amount          `json:"ceiling"`
	SnapshotHash string                 `json:"snapshot_hash"`
	Snapshot     json.RawMessage        `json:"snapshot,omitempty"`
	Invariants   []predicate.Invocation `json:"invariants,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Transition is a proposed mutation of the World.
type Transition struct {
	ID          string                 `json:"id"`
	PlanID      string                 `json:"plan_id"`
	Processor   string                 `json:"processor"`
	Inputs      map[string]any         `json:"inputs"`
	Writes      []worldpath.Selector   `json:"writes"`
	Admission   []predicate.Invocation `json:"admission,omitempty"`
	Success     []predicate.Invocation `json:"success,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Estimate    budget.Amount          `json:"estimate"`
	Mode        contracts.Mode         `json:"mode"`
	State       State                  `json:"state"`
	Attempts    int                    `json:"attempts"`
	LastError   string                 `json:"last_error,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Update carries the fields written alongside a state change.
type Update struct {
	ExecutionID *string
	LastError   *string
	BumpAttempt bool
}

// Store persists plans and transitions.
type Store interface {
	CreatePlan(ctx context.Context, p Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	CreateTransition(ctx context.Context, tr Transition) error
	GetTransition(ctx context.Context, id string) (*Transition, error)
	ListTransitions(ctx context.Context, planID string) ([]Transition, error)
	ListByState(ctx context.Context, state State, limit int) ([]Transition, error)
	// CompareAndSwapState moves id from -> to in a single conditional
	// update. It returns ErrStateConflict if the stored state is not from.
	CompareAndSwapState(ctx context.Context, id string, from, to State, upd Update) error
}

// Validate checks a transition before it is stored.
func (tr *Transition) Validate(canon *worldpath.Canonicalizer) error {
	if tr.ID == "" || tr.PlanID == "" || tr.Processor == "" {
		return fmt.Errorf("plan: transition requires id, plan_id and processor")
	}
	if _, err := contracts.ParseMode(string(tr.Mode)); err != nil {
		return err
	}
	if err := tr.Estimate.Validate(); err != nil {
		return err
	}
	if len(tr.Writes) == 0 {
		return fmt.Errorf("plan: transition %s declares no writes", tr.ID)
	}
	seen := make(map[string]struct{}, len(tr.Writes))
	for i, w := range tr.Writes {
		n, err := canon.Normalize(w)
		if err != nil {
			return fmt.Errorf("plan: transition %s write %d: %w", tr.ID, i, err)
		}
		if _, dup := seen[n.Path]; dup {
			return fmt.Errorf("plan: transition %s: %w", tr.ID, worldpath.ErrDuplicate)
		}
		seen[n.Path] = struct{}{}
		tr.Writes[i] = n
	}
	for _, dep := range tr.DependsOn {
		if dep == tr.ID {
			return fmt.Errorf("plan: transition %s depends on itself", tr.ID)
		}
	}
	return nil
}
