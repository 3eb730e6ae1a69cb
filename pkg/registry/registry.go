// Package registry holds processor specifications and the immutable
// snapshots pinned to a plan.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// ErrNotFound is returned when no processor matches a ref.
var ErrNotFound = errors.New("registry: processor not found")

// Source is a live, mutable registry that snapshots are taken from.
type Source interface {
	List(ctx context.Context) ([]ProcessorSpec, error)
}

// InMemoryRegistry is a thread-safe in-memory Source.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	specs map[string]ProcessorSpec
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{specs: make(map[string]ProcessorSpec)}
}

// Register adds or replaces a spec.
func (r *InMemoryRegistry) Register(spec ProcessorSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	c, err := spec.clone()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Ref] = *c
	return nil
}

func (r *InMemoryRegistry) Get(ref string) (ProcessorSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[ref]
	if !ok {
		return ProcessorSpec{}, ErrNotFound
	}
	return s, nil
}

// Latest returns the highest version registered for namespace/name.
func (r *InMemoryRegistry) Latest(id string) (ProcessorSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *semver.Version
	var out ProcessorSpec
	for _, s := range r.specs {
		ref, err := ParseRef(s.Ref)
		if err != nil || ref.ID() != id {
			continue
		}
		if best == nil || ref.Version.GreaterThan(best) {
			best, out = ref.Version, s
		}
	}
	if best == nil {
		return ProcessorSpec{}, ErrNotFound
	}
	return out, nil
}

func (r *InMemoryRegistry) List(_ context.Context) ([]ProcessorSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]ProcessorSpec, 0, len(r.specs))
	for _, s := range r.specs {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Ref < list[j].Ref })
	return list, nil
}
