package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

//go:embed schemas/envelope.schema.json
var schemaFS embed.FS

const envelopeSchemaURL = "https://substrate.schemas.local/contracts/envelope.schema.json"

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	raw, err := schemaFS.ReadFile("schemas/envelope.schema.json")
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(envelopeSchemaURL, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("envelope schema load failed: %v", err))
	}
	schema, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("envelope schema compile failed: %v", err))
	}
	return schema
}

// ParseEnvelope validates raw against the envelope schema and decodes it.
// Anything that does not match is ERR_ADAPTER_INVOCATION.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errorir.New(errorir.CodeAdapterInvocation, "missing envelope")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errorir.Wrap(errorir.CodeAdapterInvocation, err, "envelope is not JSON")
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return nil, errorir.New(errorir.CodeAdapterInvocation, "envelope schema: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errorir.Wrap(errorir.CodeAdapterInvocation, err, "decode envelope")
	}
	return &env, nil
}

// Validate re-encodes env and checks it against the envelope schema.
func Validate(env *Envelope) error {
	if env == nil {
		return errorir.New(errorir.CodeAdapterInvocation, "missing envelope")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return errorir.Wrap(errorir.CodeAdapterInvocation, err, "encode envelope")
	}
	_, err = ParseEnvelope(raw)
	return err
}

// CheckShape applies the semantic checks the schema cannot express and
// returns the outputs with canonical paths. For success envelopes:
//   - every output path canonicalizes and lies under a declared write
//   - no two outputs share a canonical path (ERR_OUTPUT_DUPLICATE)
//   - outputs are sorted by path
//   - index_path lies under a declared prefix write and is named _index.json
//
// Every other violation is ERR_ADAPTER_INVOCATION.
func CheckShape(env *Envelope, canon *worldpath.Canonicalizer, writes []worldpath.Selector, wantExecutionID string) ([]Output, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	if wantExecutionID != "" && env.ExecutionID != wantExecutionID {
		return nil, errorir.New(errorir.CodeAdapterInvocation, "execution_id %q does not match %q", env.ExecutionID, wantExecutionID)
	}
	if env.Status != StatusSuccess {
		return nil, nil
	}

	out := make([]Output, len(env.Outputs))
	seen := make(map[string]struct{}, len(env.Outputs))
	for i, o := range env.Outputs {
		p, err := canon.Canonicalize(o.Path)
		if err != nil {
			return nil, errorir.Wrap(errorir.CodeAdapterInvocation, err, "output path")
		}
		if _, dup := seen[p]; dup {
			return nil, errorir.New(errorir.CodeOutputDuplicate, "duplicate output path %s", p)
		}
		seen[p] = struct{}{}
		if !covered(writes, p) {
			return nil, errorir.New(errorir.CodeAdapterInvocation, "output %s is outside the declared writes", p)
		}
		o.Path = p
		out[i] = o
	}
	if !sort.SliceIsSorted(out, func(i, j int) bool { return out[i].Path < out[j].Path }) {
		return nil, errorir.New(errorir.CodeAdapterInvocation, "outputs are not sorted by path")
	}

	idx, err := canon.Canonicalize(env.IndexPath)
	if err != nil {
		return nil, errorir.Wrap(errorir.CodeAdapterInvocation, err, "index_path")
	}
	if path.Base(idx) != IndexFilename {
		return nil, errorir.New(errorir.CodeAdapterInvocation, "index_path %s must end in %s", idx, IndexFilename)
	}
	underPrefix := false
	for _, w := range writes {
		if w.Kind == worldpath.SelectorPrefix && w.Contains(idx) {
			underPrefix = true
			break
		}
	}
	if !underPrefix {
		return nil, errorir.New(errorir.CodeAdapterInvocation, "index_path %s is not under a declared write prefix", idx)
	}
	return out, nil
}

func covered(writes []worldpath.Selector, p string) bool {
	for _, w := range writes {
		if w.Contains(p) {
			return true
		}
	}
	return false
}
