package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/substrate/pkg/plan"
)

// WorkerConfig tunes the run loop.
type WorkerConfig struct {
	// Concurrency caps transitions in flight.
	Concurrency int
	// AdmitRPS paces admission attempts; zero means unlimited.
	AdmitRPS float64
	Burst    int
	// PollInterval is the idle wait between passes.
	PollInterval time.Duration
	// BatchSize caps runnable transitions fetched per pass.
	BatchSize int
	Logger    *slog.Logger
}

// Worker promotes and runs transitions of every plan until stopped.
type Worker struct {
	orch    *Orchestrator
	cfg     WorkerConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewWorker(o *Orchestrator, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	limit := rate.Inf
	if cfg.AdmitRPS > 0 {
		limit = rate.Limit(cfg.AdmitRPS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Concurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "worker")
	}
	return &Worker{orch: o, cfg: cfg, limiter: rate.NewLimiter(limit, cfg.Burst), logger: logger}
}

// Run loops until ctx is cancelled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started", "concurrency", w.cfg.Concurrency)
	for {
		n, err := w.Pass(ctx)
		if ctx.Err() != nil {
			w.logger.InfoContext(ctx, "worker stopped")
			return nil
		}
		if err != nil {
			w.logger.ErrorContext(ctx, "worker pass failed", "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker stopped")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Drain runs passes until one makes no progress and returns the number of
// transitions that reached a terminal state.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.Pass(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// Pass promotes pending transitions of every plan, then runs one batch of
// runnable transitions. It returns how many finished.
func (w *Worker) Pass(ctx context.Context) (int, error) {
	plans, err := w.orch.cfg.Store.ListPlans(ctx)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, p := range plans {
		changed, err := w.orch.Promote(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		promoted += len(changed)
	}

	batch, err := w.orch.cfg.Store.ListByState(ctx, plan.StateRunnable, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	results := make([]bool, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, tr := range batch {
		g.Go(func() error {
			if err := w.limiter.Wait(gctx); err != nil {
				return err
			}
			_, err := w.orch.Run(gctx, tr.ID)
			switch {
			case errors.Is(err, ErrNotAdmitted):
				w.logger.DebugContext(gctx, "not admitted", "transition_id", tr.ID, "reason", err)
			case err != nil:
				w.logger.WarnContext(gctx, "run failed", "transition_id", tr.ID, "error", err)
			}
			cur, err := w.orch.cfg.Store.GetTransition(context.WithoutCancel(gctx), tr.ID)
			results[i] = err == nil && cur.State.Terminal()
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return 0, err
	}
	done := 0
	for _, ok := range results {
		if ok {
			done++
		}
	}
	if promoted > 0 && done == 0 {
		// Promotion is progress too: the next pass has new work.
		return promoted, nil
	}
	return done, nil
}
