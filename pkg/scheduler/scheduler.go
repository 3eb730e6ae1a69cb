// Package scheduler admits runnable transitions and owns every transition
// state change.
//
// Admission order: admission predicates, advisory lease, budget
// reservation, then a compare-and-swap of runnable -> applying. A lost CAS
// releases what the attempt took and reports ReasonAlreadyClaimed; nothing
// here retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/lease"
	"github.com/Mindburn-Labs/substrate/pkg/ledger"
	"github.com/Mindburn-Labs/substrate/pkg/plan"
	"github.com/Mindburn-Labs/substrate/pkg/predicate"
	"github.com/Mindburn-Labs/substrate/pkg/world"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// Reason explains why a transition was not admitted.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotRunnable    Reason = "not_runnable"
	ReasonPredicate      Reason = "predicate"
	ReasonLeaseConflict  Reason = "lease_conflict"
	ReasonBudget         Reason = "budget"
	ReasonAlreadyClaimed Reason = "already_claimed"
)

// Claim is a won admission. The holder must finish it with Complete,
// Requeue or Abandon.
type Claim struct {
	Transition  plan.Transition
	ExecutionID string
	Reservation *budget.Reservation
	Lease       *lease.Lease
	Memoized    bool
}

// Admission is the outcome of TryAdmit. Not being admitted is not an error.
type Admission struct {
	Admitted bool
	Reason   Reason
	Detail   string
	Failed   *predicate.Invocation
	Claim    *Claim
}

// Options tune one admission attempt.
type Options struct {
	// Memoized skips the reservation and the execution.started event; the
	// caller records the memo hit itself.
	Memoized bool
}

type Scheduler struct {
	store  plan.Store
	ledger *ledger.Ledger
	eval   *predicate.Evaluator
	leases lease.Manager
	world  world.Storage
	canon  *worldpath.Canonicalizer
	logger *slog.Logger
	newID  func() string
}

type Config struct {
	Store     plan.Store
	Ledger    *ledger.Ledger
	Evaluator *predicate.Evaluator
	Leases    lease.Manager
	World     world.Storage
	Canon     *worldpath.Canonicalizer
	Logger    *slog.Logger
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:  cfg.Store,
		ledger: cfg.Ledger,
		eval:   cfg.Evaluator,
		leases: cfg.Leases,
		world:  cfg.World,
		canon:  cfg.Canon,
		logger: cfg.Logger,
		newID:  uuid.NewString,
	}
	if s.leases == nil {
		s.leases = lease.NewPlanWriter()
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "scheduler")
	}
	return s
}

// Leases returns the lease manager used for admission.
func (s *Scheduler) Leases() lease.Manager { return s.leases }

// Submit validates tr and stores it as pending.
func (s *Scheduler) Submit(ctx context.Context, tr plan.Transition) (*plan.Transition, error) {
	if err := s.eval.Registry().Check(predicate.ScopeAdmission, tr.Admission); err != nil {
		return nil, err
	}
	if err := s.eval.Registry().Check(predicate.ScopeSuccess, tr.Success); err != nil {
		return nil, err
	}
	if err := tr.Validate(s.canon); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tr.State = plan.StatePending
	tr.Attempts = 0
	tr.CreatedAt, tr.UpdatedAt = now, now
	if err := s.store.CreateTransition(ctx, tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// WorldContext builds the read-only context predicates see for tr.
func (s *Scheduler) WorldContext(tr *plan.Transition) *predicate.WorldContext {
	return &predicate.WorldContext{
		PlanID:       tr.PlanID,
		TransitionID: tr.ID,
		World:        s.world,
		Canon:        s.canon,
		Inputs:       tr.Inputs,
		Writes:       tr.Writes,
		Estimate:     tr.Estimate,
		Budget:       s.ledger,
		Leases:       s.leases,
	}
}

// TryAdmit attempts to claim tr for execution.
func (s *Scheduler) TryAdmit(ctx context.Context, tr *plan.Transition, opts Options) (*Admission, error) {
	cur, err := s.store.GetTransition(ctx, tr.ID)
	if err != nil {
		return nil, err
	}
	switch cur.State {
	case plan.StateRunnable:
	case plan.StatePending:
		return &Admission{Reason: ReasonNotRunnable, Detail: "dependencies pending"}, nil
	default:
		return &Admission{Reason: ReasonAlreadyClaimed, Detail: string(cur.State)}, nil
	}

	res, err := s.eval.EvaluateAll(ctx, predicate.ScopeAdmission, cur.Admission, s.WorldContext(cur))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		s.logger.InfoContext(ctx, "admission predicate false",
			"plan_id", cur.PlanID, "transition_id", cur.ID, "predicate", res.Failed.ID)
		return &Admission{Reason: ReasonPredicate, Detail: res.Failed.ID, Failed: res.Failed}, nil
	}

	l, err := s.leases.Acquire(ctx, cur.PlanID, cur.ID, cur.Writes)
	if errors.Is(err, lease.ErrConflict) {
		return &Admission{Reason: ReasonLeaseConflict, Detail: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	var resv *budget.Reservation
	if !opts.Memoized {
		resv, err = s.ledger.Reserve(ctx, cur.PlanID, cur.ID, cur.Estimate)
		if err != nil {
			s.releaseLease(ctx, l)
			if errors.Is(err, ledger.ErrInsufficientBudget) {
				return &Admission{Reason: ReasonBudget, Detail: err.Error()}, nil
			}
			return nil, err
		}
	}

	execID := s.newID()
	err = s.store.CompareAndSwapState(ctx, cur.ID, plan.StateRunnable, plan.StateApplying,
		plan.Update{ExecutionID: &execID, BumpAttempt: true})
	if err != nil {
		s.releaseReservation(ctx, resv, "already_claimed")
		s.releaseLease(ctx, l)
		if errors.Is(err, plan.ErrStateConflict) {
			return &Admission{Reason: ReasonAlreadyClaimed}, nil
		}
		return nil, err
	}

	cur.State = plan.StateApplying
	cur.ExecutionID = execID
	cur.Attempts++
	claim := &Claim{Transition: *cur, ExecutionID: execID, Reservation: resv, Lease: l, Memoized: opts.Memoized}

	if !opts.Memoized {
		payload := map[string]any{
			"transition_id": cur.ID,
			"execution_id":  execID,
			"processor":     cur.Processor,
			"mode":          string(cur.Mode),
			"attempt":       cur.Attempts,
			"reservation":   resv.Token,
		}
		if _, err := s.ledger.Append(ctx, cur.PlanID, ledger.EventExecutionStarted, payload); err != nil {
			_ = s.Abandon(context.WithoutCancel(ctx), claim, "ledger: "+err.Error())
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "transition admitted",
		"plan_id", cur.PlanID, "transition_id", cur.ID, "execution_id", execID, "attempt", cur.Attempts)
	return &Admission{Admitted: true, Claim: claim}, nil
}

// Complete moves a claim to settled or failed and drops its lease. Budget
// settlement is the caller's job and must happen first.
func (s *Scheduler) Complete(ctx context.Context, c *Claim, outcome plan.State, lastErr string) error {
	if outcome != plan.StateSettled && outcome != plan.StateFailed {
		return fmt.Errorf("%w: complete to %s", plan.ErrIllegalTransition, outcome)
	}
	upd := plan.Update{}
	if lastErr != "" {
		upd.LastError = &lastErr
	}
	err := s.store.CompareAndSwapState(ctx, c.Transition.ID, plan.StateApplying, outcome, upd)
	s.releaseLease(ctx, c.Lease)
	if err != nil {
		return err
	}
	c.Transition.State = outcome
	c.Transition.LastError = lastErr
	return nil
}

// Requeue returns a claim to runnable for another attempt.
func (s *Scheduler) Requeue(ctx context.Context, c *Claim, lastErr string) error {
	err := s.store.CompareAndSwapState(ctx, c.Transition.ID, plan.StateApplying, plan.StateRunnable,
		plan.Update{LastError: &lastErr})
	s.releaseLease(ctx, c.Lease)
	if err != nil {
		return err
	}
	c.Transition.State = plan.StateRunnable
	return nil
}

// Abandon refunds any open reservation and fails the claim.
func (s *Scheduler) Abandon(ctx context.Context, c *Claim, reason string) error {
	s.releaseReservation(ctx, c.Reservation, reason)
	return s.Complete(ctx, c, plan.StateFailed, reason)
}

// Promote moves pending transitions of a plan whose dependencies have all
// settled to runnable. A failed or unknown dependency fails the dependent.
// It returns the transitions whose state changed.
func (s *Scheduler) Promote(ctx context.Context, planID string) ([]plan.Transition, error) {
	all, err := s.store.ListTransitions(ctx, planID)
	if err != nil {
		return nil, err
	}
	states := make(map[string]plan.State, len(all))
	for _, tr := range all {
		states[tr.ID] = tr.State
	}
	var changed []plan.Transition
	// Cascading failures can unblock further decisions, so iterate to a
	// fixed point.
	for progress := true; progress; {
		progress = false
		for i := range all {
			tr := &all[i]
			if states[tr.ID] != plan.StatePending {
				continue
			}
			to, why := decide(tr, states)
			if to == plan.StatePending {
				continue
			}
			upd := plan.Update{}
			if why != "" {
				upd.LastError = &why
			}
			err := s.store.CompareAndSwapState(ctx, tr.ID, plan.StatePending, to, upd)
			if errors.Is(err, plan.ErrStateConflict) {
				continue
			}
			if err != nil {
				return changed, err
			}
			states[tr.ID] = to
			tr.State = to
			tr.LastError = why
			changed = append(changed, *tr)
			progress = true
			s.logger.DebugContext(ctx, "transition promoted", "plan_id", planID, "transition_id", tr.ID, "state", to)
		}
	}
	return changed, nil
}

func decide(tr *plan.Transition, states map[string]plan.State) (plan.State, string) {
	for _, dep := range tr.DependsOn {
		st, ok := states[dep]
		switch {
		case !ok:
			return plan.StateFailed, fmt.Sprintf("unknown dependency %s", dep)
		case st == plan.StateFailed:
			return plan.StateFailed, fmt.Sprintf("dependency %s failed", dep)
		case st != plan.StateSettled:
			return plan.StatePending, ""
		}
	}
	return plan.StateRunnable, ""
}

func (s *Scheduler) releaseLease(ctx context.Context, l *lease.Lease) {
	if l == nil {
		return
	}
	if err := s.leases.Release(context.WithoutCancel(ctx), l); err != nil {
		s.logger.WarnContext(ctx, "lease release failed", "transition_id", l.TransitionID, "error", err)
	}
}

func (s *Scheduler) releaseReservation(ctx context.Context, r *budget.Reservation, reason string) {
	if r == nil {
		return
	}
	_, err := s.ledger.Release(context.WithoutCancel(ctx), r.Token, reason)
	if err != nil && !errors.Is(err, ledger.ErrReservationClosed) {
		s.logger.ErrorContext(ctx, "reservation release failed",
			"plan_id", r.PlanID, "transition_id", r.TransitionID, "error", err)
	}
}
