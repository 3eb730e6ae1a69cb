package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "substrate", c.ServiceName)
	assert.Equal(t, "localhost:4317", c.OTLPEndpoint)
	assert.Equal(t, 1.0, c.SampleRate)
	assert.False(t, c.Enabled)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx, finish := p.TrackOperation(context.Background(), "orchestrator.run",
		TransitionAttrs("plan-1", "t1", "acme/echo@1.0.0")...)
	require.NotNil(t, ctx)
	finish(errors.New("boom"))

	p.RecordAdmission(ctx, false, "budget")
	p.RecordInvocation(ctx, "local", "success", "")
	p.RecordSettled(ctx, "plan-1", 10)
	require.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	ctx, finish := p.TrackOperation(context.Background(), "scheduler.admit")
	finish(nil)
	p.RecordAdmission(ctx, true, "")
	p.RecordInvocation(ctx, "remote", "error", "ERR_TIMEOUT")
	p.RecordSettled(ctx, "plan-1", 5)
	assert.NotNil(t, p.Tracer())
}
