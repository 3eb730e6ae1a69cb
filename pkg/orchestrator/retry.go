package orchestrator

import (
	"time"

	"github.com/Mindburn-Labs/substrate/pkg/adapter"
	"github.com/Mindburn-Labs/substrate/pkg/errorir"
)

// RetryPolicy bounds how often a transition is attempted. Only the listed
// contractual codes are retried; everything else is terminal.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     adapter.BackoffPolicy
	Codes       []errorir.Code
}

// DefaultRetryPolicy tries three times on timeouts and image pull failures.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Backoff:     adapter.BackoffPolicy{BaseMs: 500, MaxMs: 8000, MaxJitterMs: 250},
	Codes:       []errorir.Code{errorir.CodeTimeout, errorir.CodeImagePull},
}

func (p RetryPolicy) Retryable(code errorir.Code) bool {
	for _, c := range p.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Delay is the wait before the attempt after attempt. Jitter is keyed on
// the transition so reruns back off identically.
func (p RetryPolicy) Delay(transitionID string, attempt int) time.Duration {
	n := attempt - 1
	if n < 0 {
		n = 0
	}
	return adapter.ComputeBackoff("retry:"+transitionID, n, p.Backoff)
}
