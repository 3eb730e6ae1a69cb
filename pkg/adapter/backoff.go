package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
)

// BackoffPolicy bounds health polling. The delay before attempt n is
// min(BaseMs * 2^n, MaxMs) plus deterministic jitter; polling gives up once
// BudgetMs has elapsed.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	BudgetMs    int64
}

// DefaultHealthPolicy polls at 100ms, 200ms, ... capped at 1.6s for 12s.
var DefaultHealthPolicy = BackoffPolicy{BaseMs: 100, MaxMs: 1600, MaxJitterMs: 25, BudgetMs: 12_000}

// ComputeBackoff returns the delay for attempt. Jitter is derived from key
// so that two runs of the same execution poll on the same schedule.
func ComputeBackoff(key string, attempt int, p BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := p.BaseMs * factor
	if delay > p.MaxMs || delay < 0 {
		delay = p.MaxMs
	}
	return time.Duration(delay+jitter(key, attempt, p.MaxJitterMs)) * time.Millisecond
}

func jitter(key string, attempt int, maxMs int64) int64 {
	if maxMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(maxMs)) //nolint:gosec // maxMs > 0
}

// waitHealthy polls url until it answers 200 or the policy budget runs out.
func waitHealthy(ctx context.Context, client *http.Client, url, key string, p BackoffPolicy) error {
	deadline := time.Now().Add(time.Duration(p.BudgetMs) * time.Millisecond)
	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errorir.Wrap(errorir.CodeAdapterInvocation, err, "health request")
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		wait := ComputeBackoff(key, attempt, p)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errorir.Wrap(errorir.CodeAdapterInvocation, lastErr,
				fmt.Sprintf("processor not healthy after %d attempts", attempt+1))
		}
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
