// Package orchestrator drives one transition from admission to settlement:
// memo lookup, admission, pinned invocation, envelope checks, success
// predicates, budget settlement, completion and invariant re-checks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Mindburn-Labs/substrate/pkg/adapter"
	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/errorir"
	"github.com/Mindburn-Labs/substrate/pkg/ledger"
	"github.com/Mindburn-Labs/substrate/pkg/memo"
	"github.com/Mindburn-Labs/substrate/pkg/observability"
	"github.com/Mindburn-Labs/substrate/pkg/plan"
	"github.com/Mindburn-Labs/substrate/pkg/predicate"
	"github.com/Mindburn-Labs/substrate/pkg/registry"
	"github.com/Mindburn-Labs/substrate/pkg/scheduler"
	"github.com/Mindburn-Labs/substrate/pkg/world"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

var (
	// ErrNotAdmitted is matched by every *NotAdmittedError.
	ErrNotAdmitted = errors.New("orchestrator: transition not admitted")
	// ErrNotRunning is returned by Cancel for a transition with no
	// invocation in flight.
	ErrNotRunning = errors.New("orchestrator: transition is not running")
)

// NotAdmittedError reports a transition that stayed where it was. It is a
// normal outcome: nothing changed and the transition can be tried again.
type NotAdmittedError struct {
	TransitionID string
	Reason       scheduler.Reason
	Detail       string
}

func (e *NotAdmittedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("transition %s not admitted: %s", e.TransitionID, e.Reason)
	}
	return fmt.Sprintf("transition %s not admitted: %s (%s)", e.TransitionID, e.Reason, e.Detail)
}

func (e *NotAdmittedError) Is(target error) bool { return target == ErrNotAdmitted }

// Config wires an Orchestrator. Store, Ledger, Scheduler, Evaluator,
// Registry, Canon and at least one adapter are required.
type Config struct {
	Store     plan.Store
	Ledger    *ledger.Ledger
	Scheduler *scheduler.Scheduler
	Evaluator *predicate.Evaluator
	Registry  registry.Source
	Adapters  adapter.Set
	Memo      memo.Cache
	World     world.Storage
	Canon     *worldpath.Canonicalizer
	// Platform selects the pinned digest, e.g. "linux/amd64".
	Platform string
	// DefaultTimeout applies when a processor sets no timeout_ms.
	DefaultTimeout time.Duration
	Retry          RetryPolicy
	Observability  *observability.Provider
	Logger         *slog.Logger
}

type Orchestrator struct {
	cfg     Config
	monitor *predicate.InvariantMonitor
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	rebuild singleflight.Group

	mu        sync.Mutex
	snapshots map[string]*registry.Snapshot
	running   map[string]context.CancelFunc
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case cfg.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case cfg.Scheduler == nil:
		return nil, errors.New("orchestrator: scheduler is required")
	case cfg.Evaluator == nil:
		return nil, errors.New("orchestrator: evaluator is required")
	case cfg.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case cfg.Canon == nil:
		return nil, errors.New("orchestrator: canonicalizer is required")
	case cfg.Adapters.Local == nil && cfg.Adapters.Remote == nil:
		return nil, errors.New("orchestrator: no adapters configured")
	}
	if cfg.Platform == "" {
		cfg.Platform = "linux/amd64"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}
	return &Orchestrator{
		cfg:       cfg,
		monitor:   predicate.NewInvariantMonitor(cfg.Evaluator),
		logger:    logger,
		sleep:     sleepCtx,
		snapshots: make(map[string]*registry.Snapshot),
		running:   make(map[string]context.CancelFunc),
	}, nil
}

// PlanSpec describes a plan to begin.
type PlanSpec struct {
	ID         string
	Ceiling    budget.Amount
	Invariants []predicate.Invocation
}

// BeginPlan pins a registry snapshot, stores the plan and opens its ledger.
func (o *Orchestrator) BeginPlan(ctx context.Context, spec PlanSpec) (*plan.Plan, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if err := o.cfg.Evaluator.Registry().Check(predicate.ScopeInvariant, spec.Invariants); err != nil {
		return nil, err
	}
	snap, err := registry.TakeSnapshot(ctx, o.cfg.Registry)
	if err != nil {
		return nil, err
	}
	p := plan.Plan{
		ID:           spec.ID,
		Ceiling:      spec.Ceiling,
		SnapshotHash: snap.Hash(),
		Snapshot:     snap.Bundle(),
		Invariants:   spec.Invariants,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.cfg.Store.CreatePlan(ctx, p); err != nil {
		return nil, err
	}
	if _, err := o.cfg.Ledger.OpenPlan(ctx, p.ID, p.Ceiling, map[string]any{
		"snapshot_hash": p.SnapshotHash,
		"processors":    len(snap.Refs()),
	}); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.snapshots[p.ID] = snap
	o.mu.Unlock()

	// Establish the invariant baseline.
	o.checkInvariants(ctx, &p, "")
	o.logger.InfoContext(ctx, "plan opened", "plan_id", p.ID, "snapshot_hash", p.SnapshotHash)
	return &p, nil
}

// Snapshot returns the registry snapshot pinned for a plan. Another process
// or a restart rebuilds it from the bundle stored with the plan, so later
// registry changes never affect a plan already begun.
func (o *Orchestrator) Snapshot(ctx context.Context, planID string) (*registry.Snapshot, error) {
	o.mu.Lock()
	snap, ok := o.snapshots[planID]
	o.mu.Unlock()
	if ok {
		return snap, nil
	}
	v, err, _ := o.rebuild.Do(planID, func() (any, error) {
		p, err := o.cfg.Store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		if len(p.Snapshot) == 0 {
			return nil, errorir.New(errorir.CodeRegistryMismatch, "plan %s has no pinned registry snapshot", planID)
		}
		snap, err := registry.LoadSnapshot(p.Snapshot, p.SnapshotHash)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.snapshots[planID] = snap
		o.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*registry.Snapshot), nil
}

// Submit stores a transition as pending after checking its processor is in
// the plan's snapshot.
func (o *Orchestrator) Submit(ctx context.Context, tr plan.Transition) (*plan.Transition, error) {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	snap, err := o.Snapshot(ctx, tr.PlanID)
	if err != nil {
		return nil, err
	}
	if _, err := snap.Resolve(tr.Processor); err != nil {
		return nil, err
	}
	return o.cfg.Scheduler.Submit(ctx, tr)
}

// Promote moves every pending transition of planID whose dependencies
// have settled to runnable.
func (o *Orchestrator) Promote(ctx context.Context, planID string) ([]plan.Transition, error) {
	return o.cfg.Scheduler.Promote(ctx, planID)
}

// Cancel interrupts the invocation in flight for transitionID. The run
// finishes with an ERR_CANCELLED envelope and a full refund.
func (o *Orchestrator) Cancel(transitionID string) error {
	o.mu.Lock()
	cancel, ok := o.running[transitionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, transitionID)
	}
	cancel()
	return nil
}

// Run executes one runnable transition to a terminal state, retrying
// retryable failures per the retry policy. It returns the final envelope;
// a nil envelope with a nil error never happens. Not being admitted is
// reported as a *NotAdmittedError.
func (o *Orchestrator) Run(ctx context.Context, transitionID string) (env *contracts.Envelope, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	if _, busy := o.running[transitionID]; busy {
		o.mu.Unlock()
		return nil, &NotAdmittedError{TransitionID: transitionID, Reason: scheduler.ReasonAlreadyClaimed, Detail: "running here"}
	}
	o.running[transitionID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, transitionID)
		o.mu.Unlock()
	}()

	tr, err := o.cfg.Store.GetTransition(ctx, transitionID)
	if err != nil {
		return nil, err
	}
	ctx, finish := o.cfg.Observability.TrackOperation(ctx, "orchestrator.run",
		observability.TransitionAttrs(tr.PlanID, tr.ID, tr.Processor)...)
	defer func() {
		if errors.Is(err, ErrNotAdmitted) {
			finish(nil)
			return
		}
		finish(err)
	}()

	for {
		env, retry, err := o.attempt(ctx, tr)
		if err != nil || !retry {
			return env, err
		}
		delay := o.cfg.Retry.Delay(tr.ID, tr.Attempts)
		o.logger.InfoContext(ctx, "retrying transition",
			"plan_id", tr.PlanID, "transition_id", tr.ID, "attempt", tr.Attempts, "delay", delay)
		if err := o.sleep(ctx, delay); err != nil {
			// The transition is runnable again; a later Run picks it up.
			return env, nil
		}
		if tr, err = o.cfg.Store.GetTransition(ctx, transitionID); err != nil {
			return nil, err
		}
	}
}

// run carries the state of one admitted attempt.
type run struct {
	tr     *plan.Transition
	claim  *scheduler.Claim
	spec   *registry.ProcessorSpec
	snap   *registry.Snapshot
	digest string
}

// attempt performs one admission and invocation. retry is true when the
// claim was requeued and another attempt may follow.
func (o *Orchestrator) attempt(ctx context.Context, tr *plan.Transition) (*contracts.Envelope, bool, error) {
	snap, spec, digest, resolveErr := o.resolve(ctx, tr)

	var (
		memoHash string
		hit      *memo.Entry
	)
	if resolveErr == nil && o.cfg.Memo != nil {
		memoHash, hit = o.lookupMemo(ctx, tr, digest)
	}

	adm, err := o.cfg.Scheduler.TryAdmit(ctx, tr, scheduler.Options{Memoized: hit != nil})
	if err != nil {
		return nil, false, err
	}
	o.cfg.Observability.RecordAdmission(ctx, adm.Admitted, string(adm.Reason))
	if !adm.Admitted {
		return nil, false, &NotAdmittedError{TransitionID: tr.ID, Reason: adm.Reason, Detail: adm.Detail}
	}
	claim := adm.Claim
	*tr = claim.Transition

	if resolveErr != nil {
		return nil, false, o.abandon(ctx, claim, resolveErr)
	}
	r := &run{tr: tr, claim: claim, spec: spec, snap: snap, digest: digest}
	if hit != nil {
		env, err := o.replay(ctx, r, memoHash, hit)
		return env, false, err
	}
	return o.execute(ctx, r, memoHash)
}

func (o *Orchestrator) resolve(ctx context.Context, tr *plan.Transition) (*registry.Snapshot, *registry.ProcessorSpec, string, error) {
	snap, err := o.Snapshot(ctx, tr.PlanID)
	if err != nil {
		return nil, nil, "", err
	}
	spec, err := snap.Resolve(tr.Processor)
	if err != nil {
		return nil, nil, "", err
	}
	digest, err := snap.PinnedDigest(tr.Processor, o.cfg.Platform)
	if err != nil {
		return nil, nil, "", err
	}
	return snap, spec, digest, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, memoHash string) (*contracts.Envelope, bool, error) {
	tr, claim := r.tr, r.claim

	if err := r.snap.ValidateInputs(tr.Processor, tr.Inputs); err != nil {
		env := contracts.FailureFrom(claim.ExecutionID, err, contracts.Meta{ImageDigest: r.digest})
		return env, false, o.fail(ctx, r, env)
	}

	ad, err := o.cfg.Adapters.For(r.spec.Transport)
	if err != nil {
		return nil, false, o.abandon(ctx, claim, err)
	}
	timeout := o.cfg.DefaultTimeout
	if r.spec.Limits.TimeoutMs > 0 {
		timeout = time.Duration(r.spec.Limits.TimeoutMs) * time.Millisecond
	}

	ictx, finish := o.cfg.Observability.TrackOperation(ctx, "adapter.invoke",
		observability.AttrExecutionID.String(claim.ExecutionID))
	res, err := ad.Invoke(ictx, adapter.Invocation{
		Processor:    *r.spec,
		Payload:      adapter.Payload{Mode: tr.Mode, Inputs: tr.Inputs, Outputs: tr.Writes},
		Timeout:      timeout,
		PinnedDigest: r.digest,
		ExecutionID:  claim.ExecutionID,
	})
	finish(err)
	if err != nil {
		o.cfg.Observability.RecordInvocation(ctx, string(r.spec.Transport), "", string(errorir.CodeOf(err)))
		return nil, false, o.abandon(ctx, claim, err)
	}
	env := res.Envelope
	o.cfg.Observability.RecordInvocation(ctx, res.Transport, string(env.Status), string(env.Code()))

	if !env.Succeeded() {
		if o.cfg.Retry.Retryable(env.Code()) && tr.Attempts < o.cfg.Retry.MaxAttempts && ctx.Err() == nil {
			return env, o.requeue(ctx, r, env), nil
		}
		return env, false, o.fail(ctx, r, env)
	}

	outputs, err := contracts.CheckShape(env, o.cfg.Canon, tr.Writes, claim.ExecutionID)
	if errorir.CodeOf(err) == errorir.CodeOutputDuplicate {
		dup := contracts.FailureFrom(claim.ExecutionID, err, env.Meta)
		return dup, false, o.fail(ctx, r, dup)
	}
	if err != nil {
		return nil, false, o.abandon(ctx, claim, err)
	}
	env.Outputs = outputs

	wc := o.cfg.Scheduler.WorldContext(tr)
	wc.Envelope = env
	verdict, err := o.cfg.Evaluator.EvaluateAll(ctx, predicate.ScopeSuccess, tr.Success, wc)
	if err != nil {
		return nil, false, o.abandon(ctx, claim, err)
	}
	if !verdict.OK {
		failed := contracts.Failure(claim.ExecutionID, errorir.CodeProcessor,
			fmt.Sprintf("success predicate %s not satisfied", verdict.Failed.ID), env.Meta)
		return failed, false, o.fail(ctx, r, failed)
	}

	if err := o.succeed(ctx, r, env, res.CostMicro); err != nil {
		return nil, false, err
	}
	if memoHash != "" {
		o.storeMemo(ctx, memoHash, env, res.CostMicro)
	}
	return env, false, nil
}

// succeed settles actual cost, records execution.succeeded and completes.
func (o *Orchestrator) succeed(ctx context.Context, r *run, env *contracts.Envelope, costMicro int64) error {
	tr, claim := r.tr, r.claim
	sctx := context.WithoutCancel(ctx)
	observed := observedCost(env, costMicro)
	resv := claim.Reservation.Amount
	charged := meter(observed, resv)

	var err error
	if _, fits := charged.Within(resv); fits {
		refund, subErr := resv.Sub(charged)
		if subErr != nil {
			return o.abandon(ctx, claim, subErr)
		}
		_, err = o.cfg.Ledger.Settle(sctx, claim.Reservation.Token, charged, refund)
	} else {
		o.logger.WarnContext(ctx, "budget overrun",
			"plan_id", tr.PlanID, "transition_id", tr.ID, "reserved", resv.String(), "observed", observed.String())
		_, err = o.cfg.Ledger.SettleOverrun(sctx, claim.Reservation.Token, observed)
		charged = resv
	}
	if err != nil {
		_ = o.cfg.Scheduler.Complete(sctx, claim, plan.StateFailed, err.Error())
		return err
	}
	o.cfg.Observability.RecordSettled(ctx, tr.PlanID, charged.USDMicro)

	if _, err := o.cfg.Ledger.Append(sctx, tr.PlanID, ledger.EventExecutionSucceeded, map[string]any{
		"transition_id": tr.ID,
		"execution_id":  claim.ExecutionID,
		"image_digest":  r.digest,
		"outputs":       env.Outputs,
		"index_path":    env.IndexPath,
		"cost":          observed,
	}); err != nil {
		_ = o.cfg.Scheduler.Complete(sctx, claim, plan.StateFailed, err.Error())
		return err
	}
	if err := o.cfg.Scheduler.Complete(sctx, claim, plan.StateSettled, ""); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "transition settled",
		"plan_id", tr.PlanID, "transition_id", tr.ID, "execution_id", claim.ExecutionID, "cost_usd_micro", charged.USDMicro)
	o.afterTerminal(ctx, tr)
	return nil
}

// fail refunds the reservation, records execution.failed and fails the
// transition. env is the error envelope returned to the caller.
func (o *Orchestrator) fail(ctx context.Context, r *run, env *contracts.Envelope) error {
	tr, claim := r.tr, r.claim
	sctx := context.WithoutCancel(ctx)
	code := env.Code()
	if claim.Reservation != nil {
		if _, err := o.cfg.Ledger.Release(sctx, claim.Reservation.Token, string(code)); err != nil {
			_ = o.cfg.Scheduler.Complete(sctx, claim, plan.StateFailed, err.Error())
			return err
		}
	}
	if _, err := o.cfg.Ledger.Append(sctx, tr.PlanID, ledger.EventExecutionFailed, map[string]any{
		"transition_id": tr.ID,
		"execution_id":  claim.ExecutionID,
		"code":          string(code),
		"message":       env.Error.Message,
	}); err != nil {
		_ = o.cfg.Scheduler.Complete(sctx, claim, plan.StateFailed, err.Error())
		return err
	}
	if err := o.cfg.Scheduler.Complete(sctx, claim, plan.StateFailed, string(code)+": "+env.Error.Message); err != nil {
		return err
	}
	o.logger.WarnContext(ctx, "transition failed",
		"plan_id", tr.PlanID, "transition_id", tr.ID, "execution_id", claim.ExecutionID, "code", code)
	o.afterTerminal(ctx, tr)
	return nil
}

// abandon fails a claim for an orchestration error and returns cause.
func (o *Orchestrator) abandon(ctx context.Context, claim *scheduler.Claim, cause error) error {
	sctx := context.WithoutCancel(ctx)
	tr := claim.Transition
	code := errorir.CodeOf(cause)
	if code == "" {
		code = errorir.CodeAdapterInvocation
	}
	if err := o.cfg.Scheduler.Abandon(sctx, claim, cause.Error()); err != nil {
		o.logger.ErrorContext(ctx, "abandon failed", "transition_id", tr.ID, "error", err)
	}
	if _, err := o.cfg.Ledger.Append(sctx, tr.PlanID, ledger.EventTransitionFailed, map[string]any{
		"transition_id": tr.ID,
		"execution_id":  claim.ExecutionID,
		"code":          string(code),
		"message":       cause.Error(),
	}); err != nil {
		o.logger.ErrorContext(ctx, "failed to record transition failure", "transition_id", tr.ID, "error", err)
	}
	o.logger.ErrorContext(ctx, "transition abandoned",
		"plan_id", tr.PlanID, "transition_id", tr.ID, "code", code, "error", cause)
	o.afterTerminal(ctx, &tr)
	return cause
}

// requeue refunds the attempt and returns the transition to runnable.
func (o *Orchestrator) requeue(ctx context.Context, r *run, env *contracts.Envelope) bool {
	sctx := context.WithoutCancel(ctx)
	code := env.Code()
	if _, err := o.cfg.Ledger.Release(sctx, r.claim.Reservation.Token, "retry: "+string(code)); err != nil {
		_ = o.fail(ctx, r, env)
		return false
	}
	if _, err := o.cfg.Ledger.Append(sctx, r.tr.PlanID, ledger.EventExecutionFailed, map[string]any{
		"transition_id": r.tr.ID,
		"execution_id":  r.claim.ExecutionID,
		"code":          string(code),
		"message":       env.Error.Message,
		"retry":         true,
	}); err != nil {
		o.logger.ErrorContext(ctx, "failed to record retryable failure", "transition_id", r.tr.ID, "error", err)
	}
	if err := o.cfg.Scheduler.Requeue(sctx, r.claim, string(code)+": "+env.Error.Message); err != nil {
		o.logger.ErrorContext(ctx, "requeue failed", "transition_id", r.tr.ID, "error", err)
		return false
	}
	return true
}

// afterTerminal re-checks plan invariants and records regressions.
func (o *Orchestrator) afterTerminal(ctx context.Context, tr *plan.Transition) {
	p, err := o.cfg.Store.GetPlan(context.WithoutCancel(ctx), tr.PlanID)
	if err != nil {
		o.logger.WarnContext(ctx, "invariant check skipped", "plan_id", tr.PlanID, "error", err)
		return
	}
	o.checkInvariants(ctx, p, tr.ID)
}

func (o *Orchestrator) checkInvariants(ctx context.Context, p *plan.Plan, transitionID string) {
	if len(p.Invariants) == 0 {
		return
	}
	sctx := context.WithoutCancel(ctx)
	wc := &predicate.WorldContext{
		PlanID:       p.ID,
		TransitionID: transitionID,
		World:        o.cfg.World,
		Canon:        o.cfg.Canon,
		Budget:       o.cfg.Ledger,
		Leases:       o.cfg.Scheduler.Leases(),
	}
	regressions, err := o.monitor.Check(sctx, p.ID, p.Invariants, wc)
	if err != nil {
		o.logger.WarnContext(ctx, "invariant evaluation failed", "plan_id", p.ID, "error", err)
		return
	}
	for _, reg := range regressions {
		o.logger.WarnContext(ctx, "invariant regressed", "plan_id", p.ID, "transition_id", transitionID, "predicate", reg.Predicate.ID)
		if _, err := o.cfg.Ledger.Append(sctx, p.ID, ledger.EventPredicateRegressed, map[string]any{
			"transition_id": transitionID,
			"predicate":     reg.Predicate,
		}); err != nil {
			o.logger.ErrorContext(ctx, "failed to record regression", "plan_id", p.ID, "error", err)
		}
	}
}

// observedCost converts an envelope into the cost it reports across every
// dimension.
func observedCost(env *contracts.Envelope, costMicro int64) budget.Amount {
	var io int64
	for _, out := range env.Outputs {
		io += out.SizeBytes
	}
	return budget.Amount{USDMicro: costMicro, CPUMs: env.Meta.DurationMs, IOBytes: io}
}

// meter keeps the dimensions a reservation accounts for. usd_micro is
// always metered; cpu_ms and io_bytes only when reserved.
func meter(observed, reserved budget.Amount) budget.Amount {
	out := budget.Amount{USDMicro: observed.USDMicro}
	if reserved.CPUMs > 0 {
		out.CPUMs = observed.CPUMs
	}
	if reserved.IOBytes > 0 {
		out.IOBytes = observed.IOBytes
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
