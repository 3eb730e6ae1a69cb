// Package world is the addressable state substrate that transitions write
// into. Every backend accepts only canonical WorldPaths and returns
// content identifiers of the form sha256:<hex>.
package world

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

var (
	// ErrNotFound is returned by GetBytes for a path with no object.
	ErrNotFound = errors.New("world: object not found")
	// ErrNotCanonical is returned when a caller passes a path that is not
	// already in canonical form.
	ErrNotCanonical = errors.New("world: path is not canonical")
)

// Storage is the interface the kernel consumes. Paths must be canonical,
// exact (no trailing separator) WorldPaths.
type Storage interface {
	GetBytes(ctx context.Context, path string) ([]byte, error)
	PutBytes(ctx context.Context, path string, data []byte) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
	ComputeCID(data []byte) string
}

// ComputeCID returns the content identifier for data.
func ComputeCID(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// guard rejects anything that is not a canonical exact WorldPath.
type guard struct {
	canon *worldpath.Canonicalizer
}

func newGuard(c *worldpath.Canonicalizer) guard {
	if c == nil {
		c = worldpath.MustNew(worldpath.DefaultFacets...)
	}
	return guard{canon: c}
}

func (g guard) check(path string) error {
	got, err := g.canon.Canonicalize(path)
	if err != nil {
		return err
	}
	if got != path || strings.HasSuffix(path, worldpath.Separator) {
		return fmt.Errorf("%w: %q", ErrNotCanonical, path)
	}
	return nil
}

// key maps a canonical path to an object key below prefix.
func key(prefix, path string) string {
	return prefix + strings.TrimPrefix(path, worldpath.Separator)
}
