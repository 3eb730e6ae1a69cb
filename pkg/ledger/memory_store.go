package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
)

// MemoryStore is an in-process Store. Each plan has its own mutex; a
// transaction's writes are staged and applied only if fn returns nil.
type MemoryStore struct {
	mu           sync.Mutex // guards the maps below, never held across fn
	planLocks    map[string]*sync.Mutex
	plans        map[string]PlanState
	events       map[string][]Event
	reservations map[string]budget.Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		planLocks:    make(map[string]*sync.Mutex),
		plans:        make(map[string]PlanState),
		events:       make(map[string][]Event),
		reservations: make(map[string]budget.Reservation),
	}
}

func (s *MemoryStore) lockFor(planID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.planLocks[planID]
	if !ok {
		l = &sync.Mutex{}
		s.planLocks[planID] = l
	}
	return l
}

func (s *MemoryStore) WithPlanTx(ctx context.Context, planID string, fn func(tx Tx) error) error {
	l := s.lockFor(planID)
	l.Lock()
	defer l.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, planID: planID, reservations: make(map[string]budget.Reservation)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.plan != nil {
		s.plans[planID] = *tx.plan
	}
	s.events[planID] = append(s.events[planID], tx.events...)
	for k, r := range tx.reservations {
		s.reservations[k] = r
	}
	return nil
}

func (s *MemoryStore) Events(_ context.Context, planID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events[planID]...), nil
}

func (s *MemoryStore) Plan(_ context.Context, planID string) (*PlanState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &st, nil
}

func (s *MemoryStore) LookupReservation(_ context.Context, token string) (*budget.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[token]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Halt(_ context.Context, planID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.plans[planID]
	if !ok {
		return ErrPlanNotFound
	}
	st.Halted = reason
	s.plans[planID] = st
	return nil
}

// TamperPayload overwrites the stored payload of one event without touching
// its hashes. It exists for audit tests.
func (s *MemoryStore) TamperPayload(planID string, seq int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[planID]
	if seq < 1 || seq > int64(len(evs)) {
		return fmt.Errorf("no event %d in plan %s", seq, planID)
	}
	evs[seq-1].Payload = append([]byte(nil), payload...)
	return nil
}

type memTx struct {
	store        *MemoryStore
	planID       string
	plan         *PlanState
	events       []Event
	reservations map[string]budget.Reservation
}

func (t *memTx) Plan(_ context.Context) (*PlanState, error) {
	if t.plan != nil {
		st := *t.plan
		return &st, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	st, ok := t.store.plans[t.planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &st, nil
}

func (t *memTx) PutPlan(ctx context.Context, st PlanState, create bool) error {
	_, err := t.Plan(ctx)
	switch {
	case create && err == nil:
		return ErrPlanExists
	case !create && err != nil:
		return err
	}
	t.plan = &st
	return nil
}

func (t *memTx) LastEvent(_ context.Context) (*Event, error) {
	if n := len(t.events); n > 0 {
		ev := t.events[n-1]
		return &ev, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	evs := t.store.events[t.planID]
	if len(evs) == 0 {
		return nil, nil
	}
	ev := evs[len(evs)-1]
	return &ev, nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev Event) error {
	last, err := t.LastEvent(ctx)
	if err != nil {
		return err
	}
	want := int64(1)
	if last != nil {
		want = last.Seq + 1
	}
	if ev.Seq != want || ev.PlanID != t.planID {
		return fmt.Errorf("ledger: out-of-order insert seq %d for plan %s", ev.Seq, ev.PlanID)
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) Reservation(_ context.Context, token string) (*budget.Reservation, error) {
	if r, ok := t.reservations[token]; ok {
		return &r, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.reservations[token]
	if !ok || r.PlanID != t.planID {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (t *memTx) PutReservation(ctx context.Context, r budget.Reservation, create bool) error {
	_, err := t.Reservation(ctx, r.Token)
	switch {
	case create && err == nil:
		return fmt.Errorf("ledger: duplicate reservation token %s", r.Token)
	case !create && err != nil:
		return err
	}
	t.reservations[r.Token] = r
	return nil
}
