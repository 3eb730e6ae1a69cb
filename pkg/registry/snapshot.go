package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/substrate/pkg/canonicalize"
	"github.com/Mindburn-Labs/substrate/pkg/errorir"
)

var pinnedDigest = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

type entry struct {
	spec   *ProcessorSpec
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Snapshot is an immutable copy of a registry taken when a plan begins.
// It is safe for concurrent read-only use.
type Snapshot struct {
	hash    string
	bundle  []byte
	entries map[string]*entry
}

// TakeSnapshot deep-copies every spec from src, compiles their schemas and
// hashes the resulting bundle.
func TakeSnapshot(ctx context.Context, src Source) (*Snapshot, error) {
	specs, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list source: %w", err)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Ref < specs[j].Ref })

	snap, err := newSnapshot(specs)
	if err != nil {
		return nil, err
	}
	if snap.bundle, err = canonicalize.JCS(specs); err != nil {
		return nil, fmt.Errorf("snapshot: hash bundle: %w", err)
	}
	snap.hash = canonicalize.HashBytes(snap.bundle)
	return snap, nil
}

// LoadSnapshot rebuilds a snapshot from a bundle previously returned by
// Bundle. The bundle must hash to want; the live registry is never read.
func LoadSnapshot(bundle []byte, want string) (*Snapshot, error) {
	canon, err := canonicalize.Transform(bundle)
	if err != nil {
		return nil, errorir.Wrap(errorir.CodeRegistryMismatch, err, "snapshot bundle is not canonical JSON")
	}
	if got := canonicalize.HashBytes(canon); got != want {
		return nil, errorir.New(errorir.CodeRegistryMismatch, "snapshot bundle hashes to %s, pinned %s", got, want)
	}
	var specs []ProcessorSpec
	if err := json.Unmarshal(canon, &specs); err != nil {
		return nil, errorir.Wrap(errorir.CodeRegistryMismatch, err, "snapshot bundle")
	}
	snap, err := newSnapshot(specs)
	if err != nil {
		return nil, err
	}
	snap.hash, snap.bundle = want, canon
	return snap, nil
}

func newSnapshot(specs []ProcessorSpec) (*Snapshot, error) {
	snap := &Snapshot{entries: make(map[string]*entry, len(specs))}
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return nil, err
		}
		if _, dup := snap.entries[specs[i].Ref]; dup {
			return nil, fmt.Errorf("snapshot: duplicate ref %s", specs[i].Ref)
		}
		spec, err := specs[i].clone()
		if err != nil {
			return nil, err
		}
		e := &entry{spec: spec}
		if e.input, err = compileSchema(spec.Ref, "input", spec.InputSchema); err != nil {
			return nil, err
		}
		if e.output, err = compileSchema(spec.Ref, "output", spec.OutputSchema); err != nil {
			return nil, err
		}
		snap.entries[spec.Ref] = e
	}
	return snap, nil
}

func compileSchema(ref, kind string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://substrate.schemas.local/processors/%s/%s.schema.json", url.PathEscape(ref), kind)
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("snapshot: %s %s schema: %w", ref, kind, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s %s schema: %w", ref, kind, err)
	}
	return compiled, nil
}

// Hash is the sha256 of the canonical JSON of every spec in the snapshot.
func (s *Snapshot) Hash() string { return s.hash }

// Bundle returns the canonical JSON the hash covers. Persist it with the
// plan and restore with LoadSnapshot.
func (s *Snapshot) Bundle() json.RawMessage {
	return append(json.RawMessage(nil), s.bundle...)
}

// Refs returns every ref in the snapshot, sorted.
func (s *Snapshot) Refs() []string {
	out := make([]string, 0, len(s.entries))
	for ref := range s.entries {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Resolve returns a copy of the spec for ref.
func (s *Snapshot) Resolve(ref string) (*ProcessorSpec, error) {
	e, ok := s.entries[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return e.spec.clone()
}

// PinnedDigest returns the digest pinned for ref on platform. It never falls
// back to a tag: a missing or malformed digest is ERR_IMAGE_UNPINNED.
func (s *Snapshot) PinnedDigest(ref, platform string) (string, error) {
	e, ok := s.entries[ref]
	if !ok {
		return "", errorir.New(errorir.CodeImageUnpinned, "processor %s is not in the registry snapshot", ref)
	}
	d, ok := e.spec.Digests[platform]
	if !ok {
		return "", errorir.New(errorir.CodeImageUnpinned, "processor %s has no digest for platform %s", ref, platform)
	}
	if !pinnedDigest.MatchString(d) {
		return "", errorir.New(errorir.CodeImageUnpinned, "processor %s digest for %s is not a sha256 pin", ref, platform)
	}
	return d, nil
}

// ValidateInputs checks inputs against the processor's input schema.
func (s *Snapshot) ValidateInputs(ref string, inputs any) error {
	e, ok := s.entries[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return validate(e.input, inputs, errorir.CodeInputs, ref)
}

// ValidateOutput checks a processor output document against its output schema.
func (s *Snapshot) ValidateOutput(ref string, doc any) error {
	e, ok := s.entries[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return validate(e.output, doc, errorir.CodeProcessor, ref)
}

func validate(schema *jsonschema.Schema, v any, code errorir.Code, ref string) error {
	if schema == nil {
		return nil
	}
	doc, err := JSONValue(v)
	if err != nil {
		return errorir.Wrap(code, err, "inputs are not JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return errorir.New(code, "%s: %v", ref, err)
	}
	return nil
}

// JSONValue round-trips v through encoding/json so it holds only the types
// a JSON decoder produces.
func JSONValue(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
