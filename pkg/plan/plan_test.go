package plan

import (
	"context"
	"database/sql"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sampleTransition(id string) Transition {
	return Transition{
		ID:        id,
		PlanID:    "plan-1",
		Processor: "acme/thumbnail@1.2.0",
		Inputs:    map[string]any{"src": "/artifacts/in/a.png"},
		Writes:    []worldpath.Selector{{Path: "/artifacts/out/" + id + "/", Kind: worldpath.SelectorPrefix}},
		Estimate:  budget.USD(10),
		Mode:      contracts.ModeMock,
		State:     StateRunnable,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func newSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLite(t),
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateRunnable, true},
		{StatePending, StateApplying, false},
		{StateRunnable, StateApplying, true},
		{StateApplying, StateSettled, true},
		{StateApplying, StateRunnable, true},
		{StateSettled, StateRunnable, false},
		{StateFailed, StateApplying, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StateSettled.Terminal())
	assert.False(t, StateApplying.Terminal())
}

func TestTransitionValidate(t *testing.T) {
	canon := worldpath.MustNew("artifacts", "streams")

	tr := sampleTransition("t1")
	tr.Writes = []worldpath.Selector{{Path: "/artifacts//out/t1/", Kind: worldpath.SelectorPrefix}}
	require.NoError(t, tr.Validate(canon))
	assert.Equal(t, "/artifacts/out/t1/", tr.Writes[0].Path)

	dup := sampleTransition("t2")
	dup.Writes = []worldpath.Selector{
		{Path: "/artifacts/x", Kind: worldpath.SelectorExact},
		{Path: "/artifacts/./x", Kind: worldpath.SelectorExact},
	}
	assert.Error(t, dup.Validate(canon))

	noMode := sampleTransition("t3")
	noMode.Mode = ""
	assert.Error(t, noMode.Validate(canon))

	noWrites := sampleTransition("t4")
	noWrites.Writes = nil
	assert.Error(t, noWrites.Validate(canon))

	self := sampleTransition("t5")
	self.DependsOn = []string{"t5"}
	assert.Error(t, self.Validate(canon))
}

func TestStore_Lifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreatePlan(ctx, Plan{ID: "plan-1", Ceiling: budget.USD(100), SnapshotHash: "abc", CreatedAt: t0}))
			require.ErrorIs(t, s.CreatePlan(ctx, Plan{ID: "plan-1", CreatedAt: t0}), ErrExists)

			p, err := s.GetPlan(ctx, "plan-1")
			require.NoError(t, err)
			assert.Equal(t, "abc", p.SnapshotHash)
			_, err = s.GetPlan(ctx, "nope")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.CreateTransition(ctx, sampleTransition("t1")))
			require.NoError(t, s.CreateTransition(ctx, sampleTransition("t2")))
			require.ErrorIs(t, s.CreateTransition(ctx, sampleTransition("t1")), ErrExists)

			execID := "exec-1"
			require.NoError(t, s.CompareAndSwapState(ctx, "t1", StateRunnable, StateApplying,
				Update{ExecutionID: &execID, BumpAttempt: true}))
			err = s.CompareAndSwapState(ctx, "t1", StateRunnable, StateApplying, Update{})
			require.ErrorIs(t, err, ErrStateConflict)
			err = s.CompareAndSwapState(ctx, "t1", StateApplying, StatePending, Update{})
			require.ErrorIs(t, err, ErrIllegalTransition)
			err = s.CompareAndSwapState(ctx, "missing", StateRunnable, StateApplying, Update{})
			require.ErrorIs(t, err, ErrNotFound)

			got, err := s.GetTransition(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, StateApplying, got.State)
			assert.Equal(t, "exec-1", got.ExecutionID)
			assert.Equal(t, 1, got.Attempts)
			assert.Equal(t, "acme/thumbnail@1.2.0", got.Processor)

			msg := "ERR_TIMEOUT: took too long"
			require.NoError(t, s.CompareAndSwapState(ctx, "t1", StateApplying, StateFailed, Update{LastError: &msg}))
			got, err = s.GetTransition(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, msg, got.LastError)
			assert.Equal(t, "exec-1", got.ExecutionID)

			runnable, err := s.ListByState(ctx, StateRunnable, 10)
			require.NoError(t, err)
			require.Len(t, runnable, 1)
			assert.Equal(t, "t2", runnable[0].ID)

			all, err := s.ListTransitions(ctx, "plan-1")
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreatePlan(ctx, Plan{ID: "plan-1"}))
	require.NoError(t, s.CreateTransition(ctx, sampleTransition("t1")))

	got, err := s.GetTransition(ctx, "t1")
	require.NoError(t, err)
	got.Inputs["src"] = "mutated"

	again, err := s.GetTransition(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/in/a.png", again.Inputs["src"])
}

func TestSQLStore_CASStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := NewSQLStore(db)
	s.clock = func() time.Time { return t0 }

	mock.ExpectExec(regexp.QuoteMeta("UPDATE transitions")).
		WithArgs("applying", t0, sqlmock.AnyArg(), sqlmock.AnyArg(), 1, "t1", "runnable").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CompareAndSwapState(context.Background(), "t1", StateRunnable, StateApplying, Update{BumpAttempt: true}))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE transitions")).
		WithArgs("applying", t0, sqlmock.AnyArg(), sqlmock.AnyArg(), 0, "t1", "runnable").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectTransition + " WHERE id = $1")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "attempts", "execution_id", "last_error", "spec_json", "updated_at"}).
			AddRow("applying", 1, "", "", `{"id":"t1","plan_id":"plan-1"}`, t0))
	err = s.CompareAndSwapState(context.Background(), "t1", StateRunnable, StateApplying, Update{})
	require.ErrorIs(t, err, ErrStateConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProperty_CASExclusive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one concurrent claimer wins", prop.ForAll(
		func(workers int) bool {
			ctx := context.Background()
			s := NewMemoryStore()
			if err := s.CreatePlan(ctx, Plan{ID: "plan-1"}); err != nil {
				return false
			}
			if err := s.CreateTransition(ctx, sampleTransition("t1")); err != nil {
				return false
			}
			var wins, conflicts int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					err := s.CompareAndSwapState(ctx, "t1", StateRunnable, StateApplying, Update{BumpAttempt: true})
					if err == nil {
						atomic.AddInt32(&wins, 1)
					} else {
						atomic.AddInt32(&conflicts, 1)
					}
				}()
			}
			close(start)
			wg.Wait()
			tr, err := s.GetTransition(ctx, "t1")
			return err == nil && wins == 1 && int(conflicts) == workers-1 && tr.Attempts == 1
		},
		gen.IntRange(2, 32),
	))

	properties.TestingRun(t)
}

func TestSQLite_CASExclusive(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	require.NoError(t, s.CreatePlan(ctx, Plan{ID: "plan-1", CreatedAt: t0}))
	require.NoError(t, s.CreateTransition(ctx, sampleTransition("t1")))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CompareAndSwapState(ctx, "t1", StateRunnable, StateApplying, Update{}) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
