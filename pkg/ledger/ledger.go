// Package ledger is the append-only, hash-chained event log of every plan,
// together with the plan's budget bookkeeping. Events are created only
// here; each append runs inside a per-plan transaction that reads the tail,
// re-verifies it and links the new event to it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/substrate/pkg/canonicalize"
)

// Ledger appends events and settles budgets on top of a Store.
type Ledger struct {
	store    Store
	clock    func() time.Time
	newToken func() string
	logger   *slog.Logger
}

type Option func(*Ledger)

// WithClock overrides the clock used for created_at.
func WithClock(clock func() time.Time) Option { return func(l *Ledger) { l.clock = clock } }

func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		clock:    time.Now,
		newToken: uuid.NewString,
		logger:   slog.Default().With("component", "ledger"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append records one event on an opened plan.
func (l *Ledger) Append(ctx context.Context, planID, eventType string, payload any) (*Event, error) {
	var out *Event
	err := l.withPlan(ctx, planID, true, func(tx Tx, _ *PlanState) error {
		ev, err := l.appendTx(ctx, tx, planID, eventType, payload)
		out = ev
		return err
	})
	return out, err
}

// Events returns every event of a plan in seq order.
func (l *Ledger) Events(ctx context.Context, planID string) ([]Event, error) {
	return l.store.Events(ctx, planID)
}

// Verify audits a stored plan. A broken chain halts the plan.
func (l *Ledger) Verify(ctx context.Context, planID string) error {
	events, err := l.store.Events(ctx, planID)
	if err != nil {
		return err
	}
	if err := VerifyChain(events); err != nil {
		l.halt(ctx, planID, err)
		return err
	}
	return nil
}

// Halted returns the halt reason of a plan, or "" if it is live.
func (l *Ledger) Halted(ctx context.Context, planID string) (string, error) {
	st, err := l.store.Plan(ctx, planID)
	if err != nil {
		return "", err
	}
	return st.Halted, nil
}

// withPlan runs fn in a plan transaction. requireOpen rejects unknown and
// halted plans before fn runs.
func (l *Ledger) withPlan(ctx context.Context, planID string, requireOpen bool, fn func(Tx, *PlanState) error) error {
	err := l.store.WithPlanTx(ctx, planID, func(tx Tx) error {
		var st *PlanState
		if requireOpen {
			var err error
			if st, err = tx.Plan(ctx); err != nil {
				return err
			}
			if st.Halted != "" {
				return fmt.Errorf("%w: %s", ErrPlanHalted, st.Halted)
			}
		}
		return fn(tx, st)
	})
	if errors.Is(err, ErrChainBroken) {
		l.halt(ctx, planID, err)
	}
	return err
}

func (l *Ledger) halt(ctx context.Context, planID string, cause error) {
	l.logger.ErrorContext(ctx, "halting plan", "plan_id", planID, "error", cause)
	if err := l.store.Halt(ctx, planID, cause.Error()); err != nil && !errors.Is(err, ErrPlanNotFound) {
		l.logger.ErrorContext(ctx, "failed to record halt", "plan_id", planID, "error", err)
	}
}

func (l *Ledger) appendTx(ctx context.Context, tx Tx, planID, eventType string, payload any) (*Event, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize %s payload: %w", eventType, err)
	}
	last, err := tx.LastEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: read tail: %w", err)
	}

	seq, prev := int64(1), ""
	if last != nil {
		if err := verifyEvent(last); err != nil {
			return nil, &ChainError{PlanID: planID, Seq: last.Seq, Reason: err.Error()}
		}
		seq, prev = last.Seq+1, last.ThisHash
	}
	hash, err := ComputeHash(prev, canonical)
	if err != nil {
		return nil, err
	}
	ev := Event{
		PlanID:    planID,
		Seq:       seq,
		PrevHash:  prev,
		ThisHash:  hash,
		EventType: eventType,
		Payload:   canonical,
		CreatedAt: l.clock().UTC(),
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("ledger: insert event: %w", err)
	}
	return &ev, nil
}
