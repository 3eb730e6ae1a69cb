package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch args[1] {
	case "worker":
		return runWorkerCmd(ctx, args[2:], stdout, stderr)
	case "plan":
		return runPlanCmd(ctx, args[2:], stdout, stderr)
	case "submit":
		return runSubmitCmd(ctx, args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(ctx, args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(ctx, args[2:], stdout, stderr)
	case "canon":
		return runCanonCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(ctx, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: substrate <command> [flags]

Commands:
  worker   run admitted transitions until stopped (-once to drain and exit)
  plan     begin a plan with a budget ceiling
  submit   submit a transition from a JSON file
  status   show a plan's transitions and balance
  verify   verify a plan's ledger hash chain
  canon    canonicalize WorldPaths
  doctor   check configuration and dependencies

Configuration is read from the environment (DATABASE_URL, SUBSTRATE_*,
WORLD_*, REDIS_ADDR, OTEL_EXPORTER_OTLP_ENDPOINT) and SUBSTRATE_CONFIG.
`)
}

// newLogger installs a JSON slog handler at level.
func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
