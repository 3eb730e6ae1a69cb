package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/canonicalize"
)

func fixedClock() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func newMemLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, WithClock(fixedClock)), store
}

func TestLedger_ThreeEventChain(t *testing.T) {
	ctx := context.Background()
	l, store := newMemLedger(t)

	_, err := l.OpenPlan(ctx, "plan-1", budget.USD(100), nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, "plan-1", "note", map[string]any{"n": 2})
	require.NoError(t, err)
	_, err = l.Append(ctx, "plan-1", "note", map[string]any{"n": 3})
	require.NoError(t, err)

	events, err := l.Events(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "", events[0].PrevHash)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		if i > 0 {
			assert.Equal(t, events[i-1].ThisHash, ev.PrevHash)
		}
		want, err := ComputeHash(ev.PrevHash, ev.Payload)
		require.NoError(t, err)
		assert.Equal(t, want, ev.ThisHash)
	}
	require.NoError(t, VerifyChain(events))

	require.NoError(t, store.TamperPayload("plan-1", 2, []byte(`{"n":99}`)))
	tampered, err := l.Events(ctx, "plan-1")
	require.NoError(t, err)
	err = VerifyChain(tampered)
	require.ErrorIs(t, err, ErrChainBroken)
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Seq)
}

func TestComputeHash_UsesRawPrevDigest(t *testing.T) {
	payload, err := canonicalize.JCS(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(payload))

	first, err := ComputeHash("", payload)
	require.NoError(t, err)
	assert.Equal(t, canonicalize.HashBytes(payload), first)

	_, err = ComputeHash("not-hex", payload)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyChain_SequenceGap(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemLedger(t)
	_, err := l.OpenPlan(ctx, "p", budget.USD(1), nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "p", "note", map[string]any{"i": i})
		require.NoError(t, err)
	}
	events, err := l.Events(ctx, "p")
	require.NoError(t, err)

	gap := append([]Event{}, events[:2]...)
	gap = append(gap, events[3])
	assert.ErrorIs(t, VerifyChain(gap), ErrChainBroken)
}

func TestLedger_TamperedTailHaltsPlan(t *testing.T) {
	ctx := context.Background()
	l, store := newMemLedger(t)
	_, err := l.OpenPlan(ctx, "p", budget.USD(10), nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, "p", "note", map[string]any{"v": 1})
	require.NoError(t, err)
	require.NoError(t, store.TamperPayload("p", 2, []byte(`{"v":2}`)))

	_, err = l.Append(ctx, "p", "note", map[string]any{"v": 3})
	require.ErrorIs(t, err, ErrChainBroken)

	reason, err := l.Halted(ctx, "p")
	require.NoError(t, err)
	assert.NotEmpty(t, reason)

	_, err = l.Append(ctx, "p", "note", map[string]any{"v": 4})
	assert.ErrorIs(t, err, ErrPlanHalted)
	_, err = l.Reserve(ctx, "p", "t1", budget.USD(1))
	assert.ErrorIs(t, err, ErrPlanHalted)
}

func TestLedger_VerifyHaltsOnMidChainTamper(t *testing.T) {
	ctx := context.Background()
	l, store := newMemLedger(t)
	_, err := l.OpenPlan(ctx, "p", budget.USD(10), nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, "p", "note", map[string]any{"v": 1})
	require.NoError(t, err)
	require.NoError(t, l.Verify(ctx, "p"))

	require.NoError(t, store.TamperPayload("p", 1, []byte(`{"plan_id":"q"}`)))
	assert.ErrorIs(t, l.Verify(ctx, "p"), ErrChainBroken)
	_, err = l.Append(ctx, "p", "note", nil)
	assert.ErrorIs(t, err, ErrPlanHalted)
}

func TestLedger_UnknownAndDuplicatePlans(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemLedger(t)
	_, err := l.Append(ctx, "nope", "note", nil)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	_, err = l.OpenPlan(ctx, "p", budget.USD(10), map[string]any{"snapshot": "abc"})
	require.NoError(t, err)
	_, err = l.OpenPlan(ctx, "p", budget.USD(10), nil)
	assert.ErrorIs(t, err, ErrPlanExists)
}

func TestLedger_CeilingScenario(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemLedger(t)
	_, err := l.OpenPlan(ctx, "p", budget.USD(100), nil)
	require.NoError(t, err)

	first, err := l.Reserve(ctx, "p", "t1", budget.USD(60))
	require.NoError(t, err)

	before, err := l.Events(ctx, "p")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "p", "t2", budget.USD(60))
	require.ErrorIs(t, err, ErrInsufficientBudget)

	after, err := l.Events(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, after, len(before), "a rejected reservation records no event")

	bal, err := l.Balance(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, budget.USD(60), bal.Reserved)

	_, err = l.Settle(ctx, first.Token, budget.USD(45), budget.USD(15))
	require.NoError(t, err)
	bal, err = l.Balance(ctx, "p")
	require.NoError(t, err)
	out, err := bal.Outstanding()
	require.NoError(t, err)
	assert.True(t, out.IsZero())
	assert.Equal(t, budget.USD(45), bal.Settled)
	assert.Equal(t, budget.USD(15), bal.Refunded)
}

func TestLedger_SettleRules(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemLedger(t)
	_, err := l.OpenPlan(ctx, "p", budget.USD(100), nil)
	require.NoError(t, err)
	r, err := l.Reserve(ctx, "p", "t1", budget.USD(50))
	require.NoError(t, err)

	_, err = l.Settle(ctx, r.Token, budget.USD(10), budget.USD(10))
	assert.ErrorIs(t, err, budget.ErrUnbalanced)

	_, err = l.Release(ctx, r.Token, "cancelled")
	require.NoError(t, err)

	_, err = l.Release(ctx, r.Token, "again")
	assert.ErrorIs(t, err, ErrReservationClosed)

	_, err = l.Settle(ctx, "no-such-token", budget.Amount{}, budget.Amount{})
	assert.ErrorIs(t, err, ErrReservationNotFound)

	events, err := l.Events(ctx, "p")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, EventBudgetSettled, last.EventType)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "cancelled", payload["reason"])
}

func TestLedger_SettleOverrun(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemLedger(t)
	_, err := l.OpenPlan(ctx, "p", budget.USD(100), nil)
	require.NoError(t, err)
	r, err := l.Reserve(ctx, "p", "t1", budget.USD(20))
	require.NoError(t, err)

	evs, err := l.SettleOverrun(ctx, r.Token, budget.USD(35))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, EventBudgetSettled, evs[0].EventType)
	assert.Equal(t, EventBudgetOverrun, evs[1].EventType)

	bal, err := l.Balance(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, budget.USD(20), bal.Settled)
}

func TestLedger_MemoHit(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemLedger(t)
	_, err := l.OpenPlan(ctx, "p", budget.USD(100), nil)
	require.NoError(t, err)

	evs, err := l.MemoHit(ctx, "p", "t1", map[string]any{"memo_key": "k"})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, EventExecutionMemoHit, evs[0].EventType)
	assert.Equal(t, EventBudgetSettled, evs[1].EventType)
	assert.Equal(t, evs[0].ThisHash, evs[1].PrevHash)

	bal, err := l.Balance(ctx, "p")
	require.NoError(t, err)
	assert.True(t, bal.Reserved.IsZero())
}

func TestLedger_ConcurrentAppendsStayContiguous(t *testing.T) {
	ctx := context.Background()
	l, _ := newMemLedger(t)
	for _, p := range []string{"a", "b"} {
		_, err := l.OpenPlan(ctx, p, budget.USD(1), nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plan := []string{"a", "b"}[i%2]
			_, err := l.Append(ctx, plan, "note", map[string]any{"i": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, p := range []string{"a", "b"} {
		events, err := l.Events(ctx, p)
		require.NoError(t, err)
		assert.Len(t, events, 26, fmt.Sprintf("plan %s", p))
		assert.NoError(t, VerifyChain(events))
	}
}
