package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	plans       map[string]Plan
	transitions map[string]Transition
	clock       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:       make(map[string]Plan),
		transitions: make(map[string]Transition),
		clock:       time.Now,
	}
}

func (s *MemoryStore) CreatePlan(_ context.Context, p Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return fmt.Errorf("%w: plan %s", ErrExists, p.ID)
	}
	s.plans[p.ID] = p
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	return &p, nil
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateTransition(_ context.Context, tr Transition) error {
	c, err := clone(tr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[tr.PlanID]; !ok {
		return fmt.Errorf("%w: plan %s", ErrNotFound, tr.PlanID)
	}
	if _, ok := s.transitions[tr.ID]; ok {
		return fmt.Errorf("%w: transition %s", ErrExists, tr.ID)
	}
	s.transitions[tr.ID] = c
	return nil
}

func (s *MemoryStore) GetTransition(_ context.Context, id string) (*Transition, error) {
	s.mu.Lock()
	tr, ok := s.transitions[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: transition %s", ErrNotFound, id)
	}
	c, err := clone(tr)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MemoryStore) list(match func(Transition) bool, limit int) ([]Transition, error) {
	s.mu.Lock()
	var out []Transition
	for _, tr := range s.transitions {
		if match(tr) {
			out = append(out, tr)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		c, err := clone(out[i])
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (s *MemoryStore) ListTransitions(_ context.Context, planID string) ([]Transition, error) {
	return s.list(func(tr Transition) bool { return tr.PlanID == planID }, 0)
}

func (s *MemoryStore) ListByState(_ context.Context, state State, limit int) ([]Transition, error) {
	return s.list(func(tr Transition) bool { return tr.State == state }, limit)
}

func (s *MemoryStore) CompareAndSwapState(_ context.Context, id string, from, to State, upd Update) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transitions[id]
	if !ok {
		return fmt.Errorf("%w: transition %s", ErrNotFound, id)
	}
	if tr.State != from {
		return fmt.Errorf("%w: %s is %s, not %s", ErrStateConflict, id, tr.State, from)
	}
	tr.State = to
	tr.UpdatedAt = s.clock().UTC()
	upd.apply(&tr)
	s.transitions[id] = tr
	return nil
}

func (u Update) apply(tr *Transition) {
	if u.ExecutionID != nil {
		tr.ExecutionID = *u.ExecutionID
	}
	if u.LastError != nil {
		tr.LastError = *u.LastError
	}
	if u.BumpAttempt {
		tr.Attempts++
	}
}

// clone deep-copies a transition so callers never share maps with the store.
func clone(tr Transition) (Transition, error) {
	raw, err := json.Marshal(tr)
	if err != nil {
		return Transition{}, err
	}
	var out Transition
	err = json.Unmarshal(raw, &out)
	return out, err
}
