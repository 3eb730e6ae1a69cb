package ledger

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
)

var (
	ErrPlanNotFound        = errors.New("ledger: plan not found")
	ErrPlanExists          = errors.New("ledger: plan already opened")
	ErrPlanHalted          = errors.New("ledger: plan halted")
	ErrChainBroken         = errors.New("ledger: hash chain broken")
	ErrInsufficientBudget  = errors.New("ledger: insufficient budget")
	ErrReservationNotFound = errors.New("ledger: reservation not found")
	ErrReservationClosed   = errors.New("ledger: reservation already settled")
)

// PlanState is the mutable row of a plan: its budget balance and whether
// processing has been halted by a chain failure.
type PlanState struct {
	Balance budget.Balance
	Halted  string
}

// Tx is a per-plan transaction. All reads and writes through it see a
// consistent view of one plan and commit atomically.
type Tx interface {
	Plan(ctx context.Context) (*PlanState, error)
	PutPlan(ctx context.Context, st PlanState, create bool) error
	LastEvent(ctx context.Context) (*Event, error)
	InsertEvent(ctx context.Context, ev Event) error
	Reservation(ctx context.Context, token string) (*budget.Reservation, error)
	PutReservation(ctx context.Context, r budget.Reservation, create bool) error
}

// Store persists ledgers. WithPlanTx serializes transactions on the same
// plan; transactions on different plans do not block each other.
type Store interface {
	WithPlanTx(ctx context.Context, planID string, fn func(tx Tx) error) error
	Events(ctx context.Context, planID string) ([]Event, error)
	Plan(ctx context.Context, planID string) (*PlanState, error)
	LookupReservation(ctx context.Context, token string) (*budget.Reservation, error)
	Halt(ctx context.Context, planID, reason string) error
}
