package orchestrator

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/memo"
	"github.com/Mindburn-Labs/substrate/pkg/plan"
)

// lookupMemo returns the memo key hash for tr and the cached entry, if
// any. Cache errors and cached outputs missing from the World degrade to a
// miss.
func (o *Orchestrator) lookupMemo(ctx context.Context, tr *plan.Transition, digest string) (string, *memo.Entry) {
	hash, err := memo.Key{
		Digest:    digest,
		Processor: tr.Processor,
		Mode:      tr.Mode,
		Inputs:    tr.Inputs,
		Writes:    tr.Writes,
	}.Hash()
	if err != nil {
		o.logger.WarnContext(ctx, "memo key failed", "transition_id", tr.ID, "error", err)
		return "", nil
	}
	entry, ok, err := o.cfg.Memo.Get(ctx, hash)
	if err != nil {
		o.logger.WarnContext(ctx, "memo lookup failed", "transition_id", tr.ID, "error", err)
		return hash, nil
	}
	if !ok || !entry.Envelope.Succeeded() {
		return hash, nil
	}
	if missing := o.missingOutput(ctx, entry.Envelope); missing != "" {
		o.logger.InfoContext(ctx, "memo entry stale, output missing from world",
			"transition_id", tr.ID, "path", missing)
		return hash, nil
	}
	return hash, entry
}

// missingOutput returns the first output or index path of env that the
// World does not hold, or "".
func (o *Orchestrator) missingOutput(ctx context.Context, env *contracts.Envelope) string {
	paths := make([]string, 0, len(env.Outputs)+1)
	for _, out := range env.Outputs {
		paths = append(paths, out.Path)
	}
	if env.IndexPath != "" {
		paths = append(paths, env.IndexPath)
	}
	for _, p := range paths {
		if ok, err := o.cfg.World.Exists(ctx, p); err != nil || !ok {
			return p
		}
	}
	return ""
}

func (o *Orchestrator) storeMemo(ctx context.Context, hash string, env *contracts.Envelope, costMicro int64) {
	err := o.cfg.Memo.Put(context.WithoutCancel(ctx), hash, memo.Entry{
		Envelope:  env.Clone(),
		CostMicro: costMicro,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		o.logger.WarnContext(ctx, "memo store failed", "error", err)
	}
}

// replay completes a memoized claim from a cached envelope: memo_hit and a
// zero-cost settle are recorded, nothing is invoked.
func (o *Orchestrator) replay(ctx context.Context, r *run, hash string, hit *memo.Entry) (*contracts.Envelope, error) {
	tr, claim := r.tr, r.claim
	sctx := context.WithoutCancel(ctx)
	if _, err := o.cfg.Ledger.MemoHit(sctx, tr.PlanID, tr.ID, map[string]any{
		"execution_id":        claim.ExecutionID,
		"memo_key":            hash,
		"cached_execution_id": hit.Envelope.ExecutionID,
		"image_digest":        r.digest,
	}); err != nil {
		return nil, o.abandon(ctx, claim, err)
	}
	if err := o.cfg.Scheduler.Complete(sctx, claim, plan.StateSettled, ""); err != nil {
		return nil, err
	}
	env := hit.Envelope.Clone()
	env.ExecutionID = claim.ExecutionID
	o.logger.InfoContext(ctx, "transition settled from memo",
		"plan_id", tr.PlanID, "transition_id", tr.ID, "execution_id", claim.ExecutionID)
	o.afterTerminal(ctx, tr)
	return env, nil
}
