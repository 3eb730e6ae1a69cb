package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/ledger"
	"github.com/Mindburn-Labs/substrate/pkg/orchestrator"
	"github.com/Mindburn-Labs/substrate/pkg/plan"
	"github.com/Mindburn-Labs/substrate/pkg/predicate"
)

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	//nolint:gosec // operator-supplied path
	return os.ReadFile(path)
}

// usdMicro converts a dollar flag to micro-USD, rounding to the nearest unit.
func usdMicro(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// runPlanCmd implements `substrate plan`.
func runPlanCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("plan", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		id         string
		usd        float64
		cpuMs      int64
		ioBytes    int64
		invariants string
	)
	cmd.StringVar(&id, "id", "", "plan id (REQUIRED)")
	cmd.Float64Var(&usd, "usd", 0, "USD ceiling")
	cmd.Int64Var(&cpuMs, "cpu-ms", 0, "CPU ceiling in ms (0 = unenforced)")
	cmd.Int64Var(&ioBytes, "io-bytes", 0, "IO ceiling in bytes (0 = unenforced)")
	cmd.StringVar(&invariants, "invariants", "", "JSON file of plan invariants")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -id is required")
		return 2
	}

	spec := orchestrator.PlanSpec{
		ID:      id,
		Ceiling: budget.Amount{USDMicro: usdMicro(usd), CPUMs: cpuMs, IOBytes: ioBytes},
	}
	if invariants != "" {
		data, err := readInput(invariants)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		var invs []predicate.Invocation
		if err := json.Unmarshal(data, &invs); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invariants: %v\n", err)
			return 2
		}
		spec.Invariants = invs
	}

	k, ok := boot(ctx, stderr)
	if !ok {
		return 2
	}
	defer k.Close(context.WithoutCancel(ctx))

	p, err := k.orch.BeginPlan(ctx, spec)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	writeJSON(stdout, p)
	return 0
}

// runSubmitCmd implements `substrate submit`. The transition is promoted
// immediately so a worker can pick it up once its dependencies settle.
func runSubmitCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("submit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var file string
	cmd.StringVar(&file, "file", "-", "transition JSON file, - for stdin")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	data, err := readInput(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var tr plan.Transition
	if err := json.Unmarshal(data, &tr); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: transition: %v\n", err)
		return 2
	}

	k, ok := boot(ctx, stderr)
	if !ok {
		return 2
	}
	defer k.Close(context.WithoutCancel(ctx))

	stored, err := k.orch.Submit(ctx, tr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := k.orch.Promote(ctx, stored.PlanID); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: promote: %v\n", err)
		return 1
	}
	if current, err := k.store.GetTransition(ctx, stored.ID); err == nil {
		stored = current
	}
	writeJSON(stdout, stored)
	return 0
}

// runWorkerCmd implements `substrate worker`.
func runWorkerCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var once bool
	cmd.BoolVar(&once, "once", false, "drain runnable work and exit")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	k, ok := boot(ctx, stderr)
	if !ok {
		return 2
	}
	defer k.Close(context.WithoutCancel(ctx))

	w := orchestrator.NewWorker(k.orch, orchestrator.WorkerConfig{
		Concurrency: k.cfg.Workers,
		AdmitRPS:    k.cfg.AdmitRPS,
		Logger:      k.logger.With("component", "worker"),
	})
	if once {
		n, err := w.Drain(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "processed %d transitions\n", n)
		return 0
	}
	k.logger.InfoContext(ctx, "worker started", "concurrency", k.cfg.Workers)
	if err := w.Run(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type statusReport struct {
	Plan        *plan.Plan        `json:"plan"`
	Balance     budget.Balance    `json:"balance"`
	Halted      string            `json:"halted,omitempty"`
	Transitions []plan.Transition `json:"transitions"`
}

// runStatusCmd implements `substrate status`.
func runStatusCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var planID string
	cmd.StringVar(&planID, "plan", "", "plan id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -plan is required")
		return 2
	}

	k, ok := boot(ctx, stderr)
	if !ok {
		return 2
	}
	defer k.Close(context.WithoutCancel(ctx))

	p, err := k.store.GetPlan(ctx, planID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	report := statusReport{Plan: p}
	if report.Balance, err = k.ledger.Balance(ctx, planID); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if report.Halted, err = k.ledger.Halted(ctx, planID); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if report.Transitions, err = k.store.ListTransitions(ctx, planID); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	writeJSON(stdout, report)
	return 0
}

type verifyReport struct {
	PlanID string `json:"plan_id"`
	Events int    `json:"events"`
	Head   string `json:"head,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// runVerifyCmd implements `substrate verify`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken (the plan is halted)
//	2 = runtime error
func runVerifyCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		planID     string
		jsonOutput bool
	)
	cmd.StringVar(&planID, "plan", "", "plan id (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -plan is required")
		return 2
	}

	k, ok := boot(ctx, stderr)
	if !ok {
		return 2
	}
	defer k.Close(context.WithoutCancel(ctx))

	events, err := k.ledger.Events(ctx, planID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	report := verifyReport{PlanID: planID, Events: len(events), OK: true}
	if len(events) > 0 {
		report.Head = events[len(events)-1].ThisHash
	}
	if err := k.ledger.Verify(ctx, planID); err != nil {
		if !errors.Is(err, ledger.ErrChainBroken) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		report.OK = false
		report.Error = err.Error()
	}

	if jsonOutput {
		writeJSON(stdout, report)
	} else if report.OK {
		_, _ = fmt.Fprintf(stdout, "OK %s: %d events, head %s\n", planID, report.Events, report.Head)
	} else {
		_, _ = fmt.Fprintf(stdout, "BROKEN %s: %s\n", planID, report.Error)
	}
	if !report.OK {
		return 1
	}
	return 0
}
