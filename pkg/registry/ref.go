package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalidRef is returned for processor references that do not parse.
var ErrInvalidRef = errors.New("registry: invalid processor ref")

var refSegment = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Ref identifies a processor as namespace/name@version.
type Ref struct {
	Namespace string
	Name      string
	Version   *semver.Version
}

// ParseRef parses "namespace/name@version". The version must be strict semver.
func ParseRef(s string) (Ref, error) {
	id, ver, ok := strings.Cut(s, "@")
	if !ok || ver == "" {
		return Ref{}, fmt.Errorf("%w: %q missing @version", ErrInvalidRef, s)
	}
	ns, name, ok := strings.Cut(id, "/")
	if !ok || !refSegment.MatchString(ns) || !refSegment.MatchString(name) {
		return Ref{}, fmt.Errorf("%w: %q must be namespace/name", ErrInvalidRef, s)
	}
	v, err := semver.StrictNewVersion(ver)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %q: %v", ErrInvalidRef, s, err)
	}
	return Ref{Namespace: ns, Name: name, Version: v}, nil
}

// ID returns namespace/name without the version.
func (r Ref) ID() string { return r.Namespace + "/" + r.Name }

func (r Ref) String() string {
	if r.Version == nil {
		return r.ID()
	}
	return r.ID() + "@" + r.Version.Original()
}
