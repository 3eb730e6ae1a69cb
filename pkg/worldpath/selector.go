package worldpath

import (
	"fmt"
	"strings"
)

// SelectorKind tags a Selector as an exact path or a prefix.
type SelectorKind string

const (
	// SelectorExact must not end in a separator.
	SelectorExact SelectorKind = "exact"
	// SelectorPrefix must end in a separator.
	SelectorPrefix SelectorKind = "prefix"
)

// Selector declares write intent over a canonical WorldPath.
type Selector struct {
	Path string       `json:"path"`
	Kind SelectorKind `json:"kind"`
}

func (s Selector) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.Path)
}

// EnforceSelectorKind canonicalizes path and checks the trailing-separator
// convention for kind.
func (c *Canonicalizer) EnforceSelectorKind(path string, kind SelectorKind) (Selector, error) {
	cp, err := c.Canonicalize(path)
	if err != nil {
		return Selector{}, err
	}
	trailing := strings.HasSuffix(cp, Separator)
	switch kind {
	case SelectorExact:
		if trailing {
			return Selector{}, fail(KindSelectorKind, path)
		}
	case SelectorPrefix:
		if !trailing {
			return Selector{}, fail(KindSelectorKind, path)
		}
	default:
		return Selector{}, fail(KindSelectorKind, path)
	}
	return Selector{Path: cp, Kind: kind}, nil
}

// EnforceSelectorKind uses the default facets.
func EnforceSelectorKind(path string, kind SelectorKind) (Selector, error) {
	return defaultCanonicalizer.EnforceSelectorKind(path, kind)
}

// Normalize re-validates a selector that may have come off the wire.
func (c *Canonicalizer) Normalize(s Selector) (Selector, error) {
	return c.EnforceSelectorKind(s.Path, s.Kind)
}

// Contains reports whether the canonical path falls under the selector.
func (s Selector) Contains(canonical string) bool {
	if s.Kind == SelectorPrefix {
		return strings.HasPrefix(canonical, s.Path)
	}
	return canonical == s.Path
}

// Overlaps reports whether two selectors could address the same path.
func (s Selector) Overlaps(o Selector) bool {
	switch {
	case s.Kind == SelectorExact && o.Kind == SelectorExact:
		return s.Path == o.Path
	case s.Kind == SelectorPrefix && o.Kind == SelectorPrefix:
		return strings.HasPrefix(s.Path, o.Path) || strings.HasPrefix(o.Path, s.Path)
	case s.Kind == SelectorPrefix:
		return s.Contains(o.Path)
	default:
		return o.Contains(s.Path)
	}
}

// AnyOverlap reports the first pair of overlapping selectors across a and b.
func AnyOverlap(a, b []Selector) (Selector, Selector, bool) {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return x, y, true
			}
		}
	}
	return Selector{}, Selector{}, false
}
