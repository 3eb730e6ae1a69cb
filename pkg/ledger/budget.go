package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
)

// OpenPlan creates a plan's balance row and records plan.opened.
func (l *Ledger) OpenPlan(ctx context.Context, planID string, ceiling budget.Amount, attrs map[string]any) (*Event, error) {
	if err := ceiling.Validate(); err != nil {
		return nil, err
	}
	var out *Event
	err := l.withPlan(ctx, planID, false, func(tx Tx, _ *PlanState) error {
		st := PlanState{Balance: budget.Balance{PlanID: planID, Ceiling: ceiling}}
		if err := tx.PutPlan(ctx, st, true); err != nil {
			return err
		}
		payload := map[string]any{"plan_id": planID, "ceiling": ceiling}
		if len(attrs) > 0 {
			payload["attrs"] = attrs
		}
		ev, err := l.appendTx(ctx, tx, planID, EventPlanOpened, payload)
		out = ev
		return err
	})
	return out, err
}

// Balance returns the current budget balance of a plan.
func (l *Ledger) Balance(ctx context.Context, planID string) (budget.Balance, error) {
	st, err := l.store.Plan(ctx, planID)
	if err != nil {
		return budget.Balance{}, err
	}
	return st.Balance, nil
}

// Reserve sets amount aside for a transition. If the ceiling would be
// exceeded it fails with ErrInsufficientBudget and records nothing.
func (l *Ledger) Reserve(ctx context.Context, planID, transitionID string, amount budget.Amount) (*budget.Reservation, error) {
	var out *budget.Reservation
	err := l.withPlan(ctx, planID, true, func(tx Tx, st *PlanState) error {
		if err := st.Balance.Reserve(amount); err != nil {
			if errors.Is(err, budget.ErrInsufficient) {
				return fmt.Errorf("%w: %v", ErrInsufficientBudget, err)
			}
			return err
		}
		r := budget.Reservation{
			Token:        l.newToken(),
			PlanID:       planID,
			TransitionID: transitionID,
			Amount:       amount,
			State:        budget.ReservationOpen,
			CreatedAt:    l.clock().UTC(),
		}
		if err := tx.PutReservation(ctx, r, true); err != nil {
			return err
		}
		if err := tx.PutPlan(ctx, *st, false); err != nil {
			return err
		}
		if _, err := l.appendTx(ctx, tx, planID, EventBudgetReserved, map[string]any{
			"token":         r.Token,
			"transition_id": transitionID,
			"amount":        amount,
		}); err != nil {
			return err
		}
		out = &r
		return nil
	})
	return out, err
}

// Settle closes an open reservation. reserved must equal actual + refund.
func (l *Ledger) Settle(ctx context.Context, token string, actual, refund budget.Amount) (*Event, error) {
	evs, err := l.settle(ctx, token, actual, refund, nil, nil)
	if err != nil {
		return nil, err
	}
	return &evs[0], nil
}

// Release refunds an open reservation in full.
func (l *Ledger) Release(ctx context.Context, token, reason string) (*Event, error) {
	r, err := l.store.LookupReservation(ctx, token)
	if err != nil {
		return nil, err
	}
	evs, err := l.settle(ctx, token, budget.Amount{}, r.Amount, map[string]any{"reason": reason}, nil)
	if err != nil {
		return nil, err
	}
	return &evs[0], nil
}

// SettleOverrun closes a reservation whose observed cost exceeded it: the
// full reservation is settled and budget.overrun records the excess.
func (l *Ledger) SettleOverrun(ctx context.Context, token string, observed budget.Amount) ([]Event, error) {
	r, err := l.store.LookupReservation(ctx, token)
	if err != nil {
		return nil, err
	}
	return l.settle(ctx, token, r.Amount, budget.Amount{}, nil, map[string]any{
		"token":         token,
		"transition_id": r.TransitionID,
		"reserved":      r.Amount,
		"observed":      observed,
	})
}

func (l *Ledger) settle(ctx context.Context, token string, actual, refund budget.Amount, extra, overrun map[string]any) ([]Event, error) {
	r, err := l.store.LookupReservation(ctx, token)
	if err != nil {
		return nil, err
	}
	var out []Event
	err = l.withPlan(ctx, r.PlanID, true, func(tx Tx, st *PlanState) error {
		cur, err := tx.Reservation(ctx, token)
		if err != nil {
			return err
		}
		if cur.State != budget.ReservationOpen {
			return fmt.Errorf("%w: %s", ErrReservationClosed, token)
		}
		if err := st.Balance.Settle(cur.Amount, actual, refund); err != nil {
			return err
		}
		cur.State = budget.ReservationSettled
		if err := tx.PutReservation(ctx, *cur, false); err != nil {
			return err
		}
		if err := tx.PutPlan(ctx, *st, false); err != nil {
			return err
		}
		payload := map[string]any{
			"token":         token,
			"transition_id": cur.TransitionID,
			"reserved":      cur.Amount,
			"actual":        actual,
			"refund":        refund,
		}
		for k, v := range extra {
			payload[k] = v
		}
		ev, err := l.appendTx(ctx, tx, r.PlanID, EventBudgetSettled, payload)
		if err != nil {
			return err
		}
		out = append(out, *ev)
		if overrun != nil {
			ev, err := l.appendTx(ctx, tx, r.PlanID, EventBudgetOverrun, overrun)
			if err != nil {
				return err
			}
			out = append(out, *ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MemoHit records a cached result: execution.memo_hit followed by a
// zero-cost budget.settled, in one transaction and without a reservation.
func (l *Ledger) MemoHit(ctx context.Context, planID, transitionID string, payload map[string]any) ([]Event, error) {
	var out []Event
	err := l.withPlan(ctx, planID, true, func(tx Tx, _ *PlanState) error {
		hit := map[string]any{"transition_id": transitionID}
		for k, v := range payload {
			hit[k] = v
		}
		ev, err := l.appendTx(ctx, tx, planID, EventExecutionMemoHit, hit)
		if err != nil {
			return err
		}
		out = append(out, *ev)
		zero := budget.Amount{}
		ev, err = l.appendTx(ctx, tx, planID, EventBudgetSettled, map[string]any{
			"transition_id": transitionID,
			"reserved":      zero,
			"actual":        zero,
			"refund":        zero,
			"memo":          true,
		})
		if err != nil {
			return err
		}
		out = append(out, *ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
