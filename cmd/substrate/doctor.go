package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/substrate/pkg/config"
	"github.com/Mindburn-Labs/substrate/pkg/registry"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // ok, warn, fail
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd checks that the kernel can boot and that every catalogued
// processor is pinned for the configured platform.
func runDoctorCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	checks := doctorChecks(ctx, stderr)
	failed := false
	for _, c := range checks {
		if c.Status == "fail" {
			failed = true
		}
	}
	if jsonOutput {
		writeJSON(stdout, checks)
	} else {
		for _, c := range checks {
			line := fmt.Sprintf("[%s] %s", strings.ToUpper(c.Status), c.Name)
			if c.Detail != "" {
				line += ": " + c.Detail
			}
			_, _ = fmt.Fprintln(stdout, line)
		}
	}
	if failed {
		return 1
	}
	return 0
}

func doctorChecks(ctx context.Context, stderr io.Writer) []checkResult {
	cfg, err := config.Load()
	if err != nil {
		return []checkResult{{Name: "config", Status: "fail", Detail: err.Error()}}
	}
	checks := []checkResult{{Name: "config", Status: "ok"}}
	if cfg.LiteMode() {
		checks[0] = checkResult{Name: "config", Status: "warn", Detail: "DATABASE_URL unset, using sqlite in " + cfg.DataDir}
	}

	k, err := openKernel(ctx, cfg, newLogger(cfg.LogLevel, stderr))
	if err != nil {
		return append(checks, checkResult{Name: "kernel", Status: "fail", Detail: err.Error()})
	}
	defer k.Close(context.WithoutCancel(ctx))
	checks = append(checks, checkResult{Name: "kernel", Status: "ok"})

	if k.redis != nil {
		checks = append(checks, checkResult{Name: "redis", Status: "ok", Detail: cfg.RedisAddr})
	}
	if cfg.RemoteSigningKey == "" {
		checks = append(checks, checkResult{Name: "remote", Status: "warn", Detail: "no signing key, remote processors cannot be invoked"})
	}

	snap, err := registry.TakeSnapshot(ctx, k.source)
	if err != nil {
		return append(checks, checkResult{Name: "registry", Status: "fail", Detail: err.Error()})
	}
	refs := snap.Refs()
	if len(refs) == 0 {
		return append(checks, checkResult{Name: "registry", Status: "warn", Detail: "no processors registered"})
	}
	checks = append(checks, checkResult{Name: "registry", Status: "ok", Detail: fmt.Sprintf("%d processors, snapshot %s", len(refs), snap.Hash())})
	for _, ref := range refs {
		if _, err := snap.PinnedDigest(ref, cfg.Platform); err != nil {
			checks = append(checks, checkResult{Name: "pin " + ref, Status: "fail", Detail: err.Error()})
		}
	}
	return checks
}
