package registry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
)

const digestA = "sha256:" + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testSpec(ref string) ProcessorSpec {
	return ProcessorSpec{
		Ref:       ref,
		Digests:   map[string]string{"linux/amd64": digestA},
		Transport: TransportLocal,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"width"},
			"properties": map[string]any{
				"width": map[string]any{"type": "integer", "minimum": 1},
			},
		},
	}
}

func TestParseRef(t *testing.T) {
	r, err := ParseRef("media/resize@1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "media", r.Namespace)
	assert.Equal(t, "resize", r.Name)
	assert.Equal(t, "media/resize@1.2.3", r.String())

	for _, bad := range []string{"media/resize", "resize@1.0.0", "media/resize@latest", "media/resize@1.2", "Media/resize@1.0.0"} {
		_, err := ParseRef(bad)
		assert.ErrorIs(t, err, ErrInvalidRef, bad)
	}
}

func TestInMemoryRegistry_Latest(t *testing.T) {
	r := NewInMemoryRegistry()
	require.NoError(t, r.Register(testSpec("media/resize@1.2.0")))
	require.NoError(t, r.Register(testSpec("media/resize@1.10.0")))
	require.NoError(t, r.Register(testSpec("media/crop@3.0.0")))

	got, err := r.Latest("media/resize")
	require.NoError(t, err)
	assert.Equal(t, "media/resize@1.10.0", got.Ref)

	_, err = r.Latest("media/blur")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot_IsolatedFromSource(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRegistry()
	require.NoError(t, r.Register(testSpec("media/resize@1.0.0")))

	snap, err := TakeSnapshot(ctx, r)
	require.NoError(t, err)
	hash := snap.Hash()
	require.Len(t, hash, 64)

	changed := testSpec("media/resize@1.0.0")
	changed.Digests["linux/amd64"] = "sha256:" + strings.Repeat("b", 64)
	require.NoError(t, r.Register(changed))

	d, err := snap.PinnedDigest("media/resize@1.0.0", "linux/amd64")
	require.NoError(t, err)
	assert.Equal(t, digestA, d)
	assert.Equal(t, hash, snap.Hash())

	again, err := TakeSnapshot(ctx, r)
	require.NoError(t, err)
	assert.NotEqual(t, hash, again.Hash())
}

func TestLoadSnapshot_FromStoredBundle(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRegistry()
	spec := testSpec("media/resize@1.0.0")
	spec.InputSchema["description"] = "width <= 4096 & > 0"
	require.NoError(t, r.Register(spec))

	snap, err := TakeSnapshot(ctx, r)
	require.NoError(t, err)

	// Stored inside a JSON document, the bundle picks up HTML escaping.
	doc, err := json.Marshal(struct {
		Snapshot json.RawMessage `json:"snapshot"`
	}{snap.Bundle()})
	require.NoError(t, err)
	var stored struct {
		Snapshot json.RawMessage `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(doc, &stored))

	require.NoError(t, r.Register(testSpec("other/tool@2.0.0")))

	loaded, err := LoadSnapshot(stored.Snapshot, snap.Hash())
	require.NoError(t, err)
	assert.Equal(t, snap.Hash(), loaded.Hash())
	assert.Equal(t, []string{"media/resize@1.0.0"}, loaded.Refs())
	d, err := loaded.PinnedDigest("media/resize@1.0.0", "linux/amd64")
	require.NoError(t, err)
	assert.Equal(t, digestA, d)
	assert.True(t, errorir.HasCode(loaded.ValidateInputs("media/resize@1.0.0", map[string]any{}), errorir.CodeInputs))

	_, err = LoadSnapshot(stored.Snapshot, strings.Repeat("0", 64))
	assert.True(t, errorir.HasCode(err, errorir.CodeRegistryMismatch))
	_, err = LoadSnapshot([]byte("{not json"), snap.Hash())
	assert.True(t, errorir.HasCode(err, errorir.CodeRegistryMismatch))
}

func TestSnapshot_PinnedDigest(t *testing.T) {
	r := NewInMemoryRegistry()
	tagged := testSpec("media/tagged@1.0.0")
	tagged.Digests = map[string]string{"linux/amd64": "latest"}
	require.NoError(t, r.Register(testSpec("media/resize@1.0.0")))
	require.NoError(t, r.Register(tagged))

	snap, err := TakeSnapshot(context.Background(), r)
	require.NoError(t, err)

	_, err = snap.PinnedDigest("media/resize@1.0.0", "linux/arm64")
	assert.True(t, errorir.HasCode(err, errorir.CodeImageUnpinned))

	_, err = snap.PinnedDigest("media/tagged@1.0.0", "linux/amd64")
	assert.True(t, errorir.HasCode(err, errorir.CodeImageUnpinned))

	_, err = snap.PinnedDigest("media/missing@1.0.0", "linux/amd64")
	assert.True(t, errorir.HasCode(err, errorir.CodeImageUnpinned))
}

func TestSnapshot_ValidateInputs(t *testing.T) {
	r := NewInMemoryRegistry()
	require.NoError(t, r.Register(testSpec("media/resize@1.0.0")))
	snap, err := TakeSnapshot(context.Background(), r)
	require.NoError(t, err)

	assert.NoError(t, snap.ValidateInputs("media/resize@1.0.0", map[string]any{"width": 640}))

	err = snap.ValidateInputs("media/resize@1.0.0", map[string]any{"width": 0})
	assert.True(t, errorir.HasCode(err, errorir.CodeInputs))

	err = snap.ValidateInputs("media/resize@1.0.0", map[string]any{})
	assert.True(t, errorir.HasCode(err, errorir.CodeInputs))
}

func TestSnapshot_RejectsBadSchema(t *testing.T) {
	r := NewInMemoryRegistry()
	bad := testSpec("media/resize@1.0.0")
	bad.InputSchema = map[string]any{"type": 12}
	require.NoError(t, r.Register(bad))

	_, err := TakeSnapshot(context.Background(), r)
	assert.Error(t, err)
}

func TestParseCatalog(t *testing.T) {
	doc := `
processors:
  - ref: media/resize@1.0.0
    digests:
      linux/amd64: ` + digestA + `
    secrets: [RESIZE_API_KEY]
    limits:
      timeout_ms: 5000
    input_schema:
      type: object
      required: [width]
  - ref: media/remote@2.0.0
    transport: remote
    endpoint: https://fn.example.com/invoke
    digests:
      linux/amd64: ` + digestA + `
`
	reg, err := ParseCatalog([]byte(doc))
	require.NoError(t, err)

	spec, err := reg.Get("media/resize@1.0.0")
	require.NoError(t, err)
	assert.Equal(t, TransportLocal, spec.Transport)
	assert.Equal(t, []string{"RESIZE_API_KEY"}, spec.Secrets)
	assert.Equal(t, int64(5000), spec.Limits.TimeoutMs)

	snap, err := TakeSnapshot(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"media/remote@2.0.0", "media/resize@1.0.0"}, snap.Refs())
	assert.True(t, errorir.HasCode(snap.ValidateInputs("media/resize@1.0.0", map[string]any{}), errorir.CodeInputs))

	_, err = ParseCatalog([]byte("processors:\n  - ref: x/y@1.0.0\n    transport: remote\n"))
	assert.Error(t, err, "remote without endpoint")
}
