package world

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// MemoryStorage is an in-process Storage for tests and lite mode.
type MemoryStorage struct {
	guard
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage(c *worldpath.Canonicalizer) *MemoryStorage {
	return &MemoryStorage{guard: newGuard(c), objects: make(map[string][]byte)}
}

func (s *MemoryStorage) GetBytes(_ context.Context, path string) ([]byte, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStorage) PutBytes(_ context.Context, path string, data []byte) (string, error) {
	if err := s.check(path); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return ComputeCID(data), nil
}

func (s *MemoryStorage) Exists(_ context.Context, path string) (bool, error) {
	if err := s.check(path); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok, nil
}

func (s *MemoryStorage) ComputeCID(data []byte) string { return ComputeCID(data) }

// List returns every stored path under prefix, sorted.
func (s *MemoryStorage) List(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
