// Package lease guards declared writes against concurrent writers.
//
// The default policy is a single writer per plan. SelectorLeases upgrades
// that to overlap detection between declared write selectors without any
// change to callers.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

var ErrConflict = errors.New("lease: conflicting writer in flight")

// Policy names a Manager implementation.
type Policy string

const (
	PolicyPlan     Policy = "plan"
	PolicySelector Policy = "selector"
)

// ParsePolicy maps a config value to a Policy. Empty means PolicyPlan.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyPlan:
		return PolicyPlan, nil
	case PolicySelector:
		return PolicySelector, nil
	}
	return "", fmt.Errorf("lease: unknown policy %q", s)
}

// Lease is held by one transition while it is applying.
type Lease struct {
	Token        string
	PlanID       string
	TransitionID string
	Writes       []worldpath.Selector
}

// Manager grants and releases leases. Conflicts satisfies predicate.LeaseView.
type Manager interface {
	Acquire(ctx context.Context, planID, transitionID string, writes []worldpath.Selector) (*Lease, error)
	Release(ctx context.Context, l *Lease) error
	Conflicts(ctx context.Context, planID, transitionID string, writes []worldpath.Selector) (bool, error)
}

// New returns the in-process Manager for policy.
func New(policy Policy) Manager {
	if policy == PolicySelector {
		return NewSelectorLeases()
	}
	return NewPlanWriter()
}

// PlanWriter admits at most one applying transition per plan. A second
// Acquire fails even for the holding transition.
type PlanWriter struct {
	mu      sync.Mutex
	holders map[string]*Lease
}

func NewPlanWriter() *PlanWriter {
	return &PlanWriter{holders: make(map[string]*Lease)}
}

func (p *PlanWriter) Acquire(_ context.Context, planID, transitionID string, writes []worldpath.Selector) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.holders[planID]; ok {
		return nil, fmt.Errorf("%w: plan %s held by %s", ErrConflict, planID, h.TransitionID)
	}
	l := &Lease{Token: uuid.NewString(), PlanID: planID, TransitionID: transitionID, Writes: writes}
	p.holders[planID] = l
	return l, nil
}

func (p *PlanWriter) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.holders[l.PlanID]; ok && h.Token == l.Token {
		delete(p.holders, l.PlanID)
	}
	return nil
}

func (p *PlanWriter) Conflicts(_ context.Context, planID, transitionID string, _ []worldpath.Selector) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.holders[planID]
	return ok && h.TransitionID != transitionID, nil
}

// SelectorLeases rejects a writer whose selectors overlap any in-flight
// lease, across all plans.
type SelectorLeases struct {
	mu     sync.Mutex
	active map[string]*Lease
}

func NewSelectorLeases() *SelectorLeases {
	return &SelectorLeases{active: make(map[string]*Lease)}
}

func (s *SelectorLeases) conflict(transitionID string, writes []worldpath.Selector) *Lease {
	for _, l := range s.active {
		if l.TransitionID == transitionID {
			continue
		}
		if _, _, ok := worldpath.AnyOverlap(l.Writes, writes); ok {
			return l
		}
	}
	return nil
}

func (s *SelectorLeases) Acquire(_ context.Context, planID, transitionID string, writes []worldpath.Selector) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.conflict(transitionID, writes); h != nil {
		return nil, fmt.Errorf("%w: overlaps writes of %s", ErrConflict, h.TransitionID)
	}
	l := &Lease{Token: uuid.NewString(), PlanID: planID, TransitionID: transitionID, Writes: writes}
	s.active[l.Token] = l
	return l, nil
}

func (s *SelectorLeases) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	s.mu.Lock()
	delete(s.active, l.Token)
	s.mu.Unlock()
	return nil
}

func (s *SelectorLeases) Conflicts(_ context.Context, _, transitionID string, writes []worldpath.Selector) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflict(transitionID, writes) != nil, nil
}
