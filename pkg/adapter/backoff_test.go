package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoff_Schedule(t *testing.T) {
	p := BackoffPolicy{BaseMs: 100, MaxMs: 1600, BudgetMs: 12_000}
	want := []time.Duration{100, 200, 400, 800, 1600, 1600, 1600}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, ComputeBackoff("exec", i, p), "attempt %d", i)
	}
	assert.Equal(t, 1600*time.Millisecond, ComputeBackoff("exec", 64, p))
}

func TestComputeBackoff_DeterministicJitter(t *testing.T) {
	p := DefaultHealthPolicy
	for i := 0; i < 8; i++ {
		a := ComputeBackoff("exec-1", i, p)
		assert.Equal(t, a, ComputeBackoff("exec-1", i, p))
		base := ComputeBackoff("exec-1", i, BackoffPolicy{BaseMs: p.BaseMs, MaxMs: p.MaxMs})
		assert.GreaterOrEqual(t, a, base)
		assert.Less(t, a, base+time.Duration(p.MaxJitterMs)*time.Millisecond)
	}
}

func TestEnvFingerprint(t *testing.T) {
	assert.Equal(t, "a=1;mode=mock;z=", EnvFingerprint(map[string]string{"z": "", "mode": "mock", "a": "1"}))
	assert.Equal(t, "", EnvFingerprint(nil))
}

func TestImageRef(t *testing.T) {
	d := "sha256:" + "00"
	assert.Equal(t, "ghcr.io/acme/echo@"+d, ImageRef("ghcr.io/acme/echo:1.0.0", d))
	assert.Equal(t, "localhost:5000/echo@"+d, ImageRef("localhost:5000/echo", d))
	assert.Equal(t, "echo@"+d, ImageRef("echo@sha256:ffff", d))
}
