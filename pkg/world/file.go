package world

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// FileStorage keeps objects under a base directory, one file per path.
// Canonical paths contain no dot segments, so they cannot escape baseDir.
type FileStorage struct {
	guard
	baseDir string
}

func NewFileStorage(baseDir string, c *worldpath.Canonicalizer) (*FileStorage, error) {
	//nolint:gosec // G301: shared data directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure world dir: %w", err)
	}
	return &FileStorage{guard: newGuard(c), baseDir: baseDir}, nil
}

func (s *FileStorage) file(path string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(strings.TrimPrefix(path, worldpath.Separator)))
}

func (s *FileStorage) GetBytes(_ context.Context, path string) ([]byte, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.file(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStorage) PutBytes(_ context.Context, path string, data []byte) (string, error) {
	if err := s.check(path); err != nil {
		return "", err
	}
	target := s.file(path)
	//nolint:gosec // G301: shared data directory
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create parent for %s: %w", path, err)
	}
	tmp := target + ".tmp"
	//nolint:gosec // G306: world objects are readable
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return ComputeCID(data), nil
}

func (s *FileStorage) Exists(_ context.Context, path string) (bool, error) {
	if err := s.check(path); err != nil {
		return false, err
	}
	_, err := os.Stat(s.file(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileStorage) ComputeCID(data []byte) string { return ComputeCID(data) }
