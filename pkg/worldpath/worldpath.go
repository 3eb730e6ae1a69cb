// Package worldpath canonicalizes and validates addresses into the World.
//
// A canonical WorldPath starts with exactly one "/", is rooted at a configured
// facet, is NFC-normalized, has been percent-decoded exactly once and never
// contains "." or ".." segments or a decoded separator. Canonicalization is
// pure and deterministic: the same input yields the same output in every
// process, and the output is a fixed point of Canonicalize.
package worldpath

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Separator is the WorldPath segment separator.
const Separator = "/"

// DefaultFacets are the facet roots used by the package-level helpers.
var DefaultFacets = []string{"artifacts", "streams"}

var defaultCanonicalizer = MustNew(DefaultFacets...)

// Canonicalizer holds the set of accepted facet roots.
type Canonicalizer struct {
	facets map[string]struct{}
}

// New returns a Canonicalizer accepting the given facet roots.
func New(facets ...string) (*Canonicalizer, error) {
	if len(facets) == 0 {
		return nil, fmt.Errorf("worldpath: at least one facet is required")
	}
	c := &Canonicalizer{facets: make(map[string]struct{}, len(facets))}
	for _, f := range facets {
		if f == "" || f == "." || f == ".." || strings.ContainsAny(f, "/\\%") || norm.NFC.String(f) != f {
			return nil, fmt.Errorf("worldpath: invalid facet %q", f)
		}
		c.facets[f] = struct{}{}
	}
	return c, nil
}

// MustNew is New that panics on invalid facets. Intended for package vars.
func MustNew(facets ...string) *Canonicalizer {
	c, err := New(facets...)
	if err != nil {
		panic(err)
	}
	return c
}

// Facets returns the configured facet roots in sorted order.
func (c *Canonicalizer) Facets() []string {
	out := make([]string, 0, len(c.facets))
	for f := range c.facets {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Canonicalize normalizes p using the default facets.
func Canonicalize(p string) (string, error) {
	return defaultCanonicalizer.Canonicalize(p)
}

// Canonicalize normalizes p. Rules, in order:
//  1. require a leading separator
//  2. NFC-normalize
//  3. percent-decode each segment exactly once
//  4. reject a decoded separator ("/" or "\")
//  5. collapse repeated separators
//  6. reject "." and ".." segments
//  7. require the first segment to be a configured facet
//
// A literal "%" produced by decoding is re-encoded as "%25" so that the
// result decodes back to itself.
func (c *Canonicalizer) Canonicalize(p string) (string, error) {
	if !strings.HasPrefix(p, Separator) {
		return "", fail(KindNotAbsolute, p)
	}
	if !utf8.ValidString(p) {
		return "", fail(KindInvalidEncoding, p)
	}
	s := norm.NFC.String(p)
	trailing := strings.HasSuffix(s, Separator)

	raw := strings.Split(s[1:], Separator)
	segs := make([]string, 0, len(raw))
	for _, seg := range raw {
		if seg == "" {
			continue
		}
		dec, err := url.PathUnescape(seg)
		if err != nil {
			return "", fail(KindPercentDecode, p)
		}
		if strings.ContainsAny(dec, "/\\") {
			return "", fail(KindDecodedSeparator, p)
		}
		if !utf8.ValidString(dec) || strings.IndexByte(dec, 0) >= 0 {
			return "", fail(KindInvalidEncoding, p)
		}
		dec = norm.NFC.String(dec)
		if dec == "." || dec == ".." {
			return "", fail(KindDotSegment, p)
		}
		segs = append(segs, strings.ReplaceAll(dec, "%", "%25"))
	}

	if len(segs) == 0 {
		return "", fail(KindBadFacet, p)
	}
	if _, ok := c.facets[segs[0]]; !ok {
		return "", fail(KindBadFacet, p)
	}

	out := Separator + strings.Join(segs, Separator)
	if trailing {
		out += Separator
	}
	return out, nil
}

// Facet returns the facet root of an already canonical path.
func Facet(canonical string) string {
	rest := strings.TrimPrefix(canonical, Separator)
	if i := strings.Index(rest, Separator); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Unique canonicalizes paths and fails with KindDuplicate on the first path
// that collides with an earlier one after canonicalization.
func (c *Canonicalizer) Unique(paths []string) ([]string, error) {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		cp, err := c.Canonicalize(p)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[cp]; dup {
			return nil, fail(KindDuplicate, cp)
		}
		seen[cp] = struct{}{}
		out = append(out, cp)
	}
	return out, nil
}

// Unique is Canonicalizer.Unique with the default facets.
func Unique(paths []string) ([]string, error) {
	return defaultCanonicalizer.Unique(paths)
}
