package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/lease"
	"github.com/Mindburn-Labs/substrate/pkg/ledger"
	"github.com/Mindburn-Labs/substrate/pkg/plan"
	"github.com/Mindburn-Labs/substrate/pkg/predicate"
	"github.com/Mindburn-Labs/substrate/pkg/world"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

type fixture struct {
	sched  *Scheduler
	store  *plan.MemoryStore
	ledger *ledger.Ledger
	world  *world.MemoryStorage
}

func newFixture(t *testing.T, ceiling int64, leases lease.Manager) *fixture {
	t.Helper()
	ctx := context.Background()
	canon := worldpath.MustNew("artifacts", "streams")
	reg, err := predicate.DefaultRegistry()
	require.NoError(t, err)
	store := plan.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore())
	w := world.NewMemoryStorage(canon)

	require.NoError(t, store.CreatePlan(ctx, plan.Plan{ID: "plan-1", Ceiling: budget.USD(ceiling)}))
	_, err = l.OpenPlan(ctx, "plan-1", budget.USD(ceiling), nil)
	require.NoError(t, err)

	s := New(Config{
		Store:     store,
		Ledger:    l,
		Evaluator: predicate.NewEvaluator(reg),
		Leases:    leases,
		World:     w,
		Canon:     canon,
	})
	return &fixture{sched: s, store: store, ledger: l, world: w}
}

func transition(id string, estimate int64, deps ...string) plan.Transition {
	return plan.Transition{
		ID:        id,
		PlanID:    "plan-1",
		Processor: "acme/echo@1.0.0",
		Inputs:    map[string]any{"msg": "hi"},
		Writes:    []worldpath.Selector{{Path: "/artifacts/out/" + id + "/", Kind: worldpath.SelectorPrefix}},
		Estimate:  budget.USD(estimate),
		Mode:      contracts.ModeMock,
		DependsOn: deps,
	}
}

func (f *fixture) submitRunnable(t *testing.T, tr plan.Transition) *plan.Transition {
	t.Helper()
	ctx := context.Background()
	_, err := f.sched.Submit(ctx, tr)
	require.NoError(t, err)
	_, err = f.sched.Promote(ctx, tr.PlanID)
	require.NoError(t, err)
	got, err := f.store.GetTransition(ctx, tr.ID)
	require.NoError(t, err)
	return got
}

func eventTypes(t *testing.T, l *ledger.Ledger) []string {
	t.Helper()
	evs, err := l.Events(context.Background(), "plan-1")
	require.NoError(t, err)
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.EventType
	}
	return out
}

func TestTryAdmit_Wins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, nil)
	tr := f.submitRunnable(t, transition("t1", 40))
	require.Equal(t, plan.StateRunnable, tr.State)

	adm, err := f.sched.TryAdmit(ctx, tr, Options{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	require.NotNil(t, adm.Claim.Reservation)
	assert.NotEmpty(t, adm.Claim.ExecutionID)
	assert.Equal(t, 1, adm.Claim.Transition.Attempts)

	stored, err := f.store.GetTransition(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, plan.StateApplying, stored.State)
	assert.Equal(t, adm.Claim.ExecutionID, stored.ExecutionID)

	assert.Equal(t, []string{ledger.EventPlanOpened, ledger.EventBudgetReserved, ledger.EventExecutionStarted}, eventTypes(t, f.ledger))

	again, err := f.sched.TryAdmit(ctx, tr, Options{})
	require.NoError(t, err)
	assert.False(t, again.Admitted)
	assert.Equal(t, ReasonAlreadyClaimed, again.Reason)
}

func TestTryAdmit_PredicateFalseChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, nil)
	tr := transition("t1", 10)
	tr.Admission = []predicate.Invocation{{ID: "world.exists@1", Args: map[string]any{"path": "/artifacts/in/seed.txt"}}}
	got := f.submitRunnable(t, tr)

	adm, err := f.sched.TryAdmit(ctx, got, Options{})
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, ReasonPredicate, adm.Reason)
	assert.Equal(t, "world.exists@1", adm.Failed.ID)

	stored, err := f.store.GetTransition(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, plan.StateRunnable, stored.State)
	assert.Equal(t, []string{ledger.EventPlanOpened}, eventTypes(t, f.ledger))

	_, err = f.world.PutBytes(ctx, "/artifacts/in/seed.txt", []byte("x"))
	require.NoError(t, err)
	adm, err = f.sched.TryAdmit(ctx, got, Options{})
	require.NoError(t, err)
	assert.True(t, adm.Admitted)
}

func TestTryAdmit_BudgetEmitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, lease.NewSelectorLeases())
	t1 := f.submitRunnable(t, transition("t1", 60))
	t2 := f.submitRunnable(t, transition("t2", 60))

	adm, err := f.sched.TryAdmit(ctx, t1, Options{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	before := eventTypes(t, f.ledger)

	adm2, err := f.sched.TryAdmit(ctx, t2, Options{})
	require.NoError(t, err)
	assert.False(t, adm2.Admitted)
	assert.Equal(t, ReasonBudget, adm2.Reason)
	assert.Equal(t, before, eventTypes(t, f.ledger))

	busy, err := f.sched.Leases().Conflicts(ctx, "plan-1", "other", t2.Writes)
	require.NoError(t, err)
	assert.False(t, busy, "lease of the rejected attempt must be released")
}

func TestTryAdmit_PlanWriterLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, nil)
	t1 := f.submitRunnable(t, transition("t1", 10))
	t2 := f.submitRunnable(t, transition("t2", 10))

	adm, err := f.sched.TryAdmit(ctx, t1, Options{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)

	adm2, err := f.sched.TryAdmit(ctx, t2, Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonLeaseConflict, adm2.Reason)

	_, err = f.ledger.Settle(ctx, adm.Claim.Reservation.Token, budget.USD(10), budget.Amount{})
	require.NoError(t, err)
	require.NoError(t, f.sched.Complete(ctx, adm.Claim, plan.StateSettled, ""))

	adm2, err = f.sched.TryAdmit(ctx, t2, Options{})
	require.NoError(t, err)
	assert.True(t, adm2.Admitted)
}

func TestTryAdmit_Memoized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, nil)
	tr := f.submitRunnable(t, transition("t1", 500))

	adm, err := f.sched.TryAdmit(ctx, tr, Options{Memoized: true})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	assert.Nil(t, adm.Claim.Reservation)
	assert.Equal(t, []string{ledger.EventPlanOpened}, eventTypes(t, f.ledger))
}

func TestTryAdmit_PendingIsNotRunnable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, nil)
	_, err := f.sched.Submit(ctx, transition("t1", 10))
	require.NoError(t, err)
	tr, err := f.store.GetTransition(ctx, "t1")
	require.NoError(t, err)

	adm, err := f.sched.TryAdmit(ctx, tr, Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotRunnable, adm.Reason)
}

func TestSubmit_RejectsUnknownPredicate(t *testing.T) {
	f := newFixture(t, 100, nil)
	tr := transition("t1", 10)
	tr.Admission = []predicate.Invocation{{ID: "made.up@1"}}
	_, err := f.sched.Submit(context.Background(), tr)
	assert.ErrorIs(t, err, predicate.ErrUnknownPredicate)

	tr.Admission = []predicate.Invocation{{ID: "outputs.count@1", Args: map[string]any{"min": 1}}}
	_, err = f.sched.Submit(context.Background(), tr)
	assert.ErrorIs(t, err, predicate.ErrScopeMismatch)
}

func TestPromote_Dependencies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, nil)
	for _, tr := range []plan.Transition{
		transition("a", 1),
		transition("b", 1, "a"),
		transition("c", 1, "b"),
		transition("d", 1, "ghost"),
	} {
		_, err := f.sched.Submit(ctx, tr)
		require.NoError(t, err)
	}

	changed, err := f.sched.Promote(ctx, "plan-1")
	require.NoError(t, err)
	assert.Len(t, changed, 2)
	state := func(id string) plan.State {
		tr, err := f.store.GetTransition(ctx, id)
		require.NoError(t, err)
		return tr.State
	}
	assert.Equal(t, plan.StateRunnable, state("a"))
	assert.Equal(t, plan.StatePending, state("b"))
	assert.Equal(t, plan.StateFailed, state("d"))

	a, err := f.store.GetTransition(ctx, "a")
	require.NoError(t, err)
	adm, err := f.sched.TryAdmit(ctx, a, Options{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	require.NoError(t, f.sched.Abandon(ctx, adm.Claim, "ERR_PROCESSOR: boom"))

	_, err = f.sched.Promote(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, plan.StateFailed, state("b"))
	assert.Equal(t, plan.StateFailed, state("c"))

	bal, err := f.ledger.Balance(ctx, "plan-1")
	require.NoError(t, err)
	out, err := bal.Outstanding()
	require.NoError(t, err)
	assert.True(t, out.IsZero())
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, nil)
	tr := f.submitRunnable(t, transition("t1", 10))
	adm, err := f.sched.TryAdmit(ctx, tr, Options{})
	require.NoError(t, err)
	_, err = f.ledger.Release(ctx, adm.Claim.Reservation.Token, "retry")
	require.NoError(t, err)
	require.NoError(t, f.sched.Requeue(ctx, adm.Claim, "ERR_TIMEOUT"))

	adm, err = f.sched.TryAdmit(ctx, tr, Options{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	assert.Equal(t, 2, adm.Claim.Transition.Attempts)
}

func TestProperty_ConcurrentAdmissionExactlyOneWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("one claim per transition", prop.ForAll(
		func(workers int, selector bool) bool {
			var leases lease.Manager = lease.NewPlanWriter()
			if selector {
				leases = lease.NewSelectorLeases()
			}
			f := newFixture(t, 1_000_000, leases)
			tr := f.submitRunnable(t, transition("t1", 7))

			results := make([]*Admission, workers)
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					adm, err := f.sched.TryAdmit(context.Background(), tr, Options{})
					if err == nil {
						results[i] = adm
					}
				}(i)
			}
			close(start)
			wg.Wait()

			wins := 0
			for _, r := range results {
				if r == nil {
					return false
				}
				if r.Admitted {
					wins++
				}
			}
			bal, err := f.ledger.Balance(context.Background(), "plan-1")
			if err != nil {
				return false
			}
			out, err := bal.Outstanding()
			return err == nil && wins == 1 && out == budget.USD(7)
		},
		gen.IntRange(2, 16),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
