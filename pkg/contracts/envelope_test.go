package contracts

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

var (
	digest = "sha256:" + strings.Repeat("a", 64)
	cidA   = "sha256:" + strings.Repeat("1", 64)
	cidB   = "sha256:" + strings.Repeat("2", 64)
	canon  = worldpath.MustNew(worldpath.DefaultFacets...)
	writes = []worldpath.Selector{{Path: "/artifacts/run-1/", Kind: worldpath.SelectorPrefix}}
)

func okEnvelope(outputs ...Output) *Envelope {
	return Success("exec-1", outputs, "/artifacts/run-1/_index.json", Meta{ImageDigest: digest, EnvFingerprint: "arch=amd64;os=linux"})
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("mock")
	require.NoError(t, err)
	assert.Equal(t, ModeMock, m)

	_, err = ParseMode("")
	assert.True(t, errorir.HasCode(err, errorir.CodeAdapterInvocation))
	_, err = ParseMode("live")
	assert.True(t, errorir.HasCode(err, errorir.CodeAdapterInvocation))
}

func TestEnvelope_MarshalByStatus(t *testing.T) {
	raw, err := json.Marshal(okEnvelope())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"outputs":[]`)
	assert.NotContains(t, string(raw), `"error"`)

	raw, err = json.Marshal(Failure("exec-1", errorir.CodeTimeout, "deadline exceeded", Meta{EnvFingerprint: "x"}))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "outputs")
	assert.NotContains(t, string(raw), "index_path")

	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, errorir.CodeTimeout, env.Code())
}

func TestParseEnvelope_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"not json":         `{`,
		"no execution id":  `{"status":"success","execution_id":"","outputs":[],"index_path":"/artifacts/_index.json","meta":{"image_digest":"` + digest + `","env_fingerprint":""}}`,
		"success no index": `{"status":"success","execution_id":"e","outputs":[],"meta":{"image_digest":"` + digest + `","env_fingerprint":""}}`,
		"success no digest": `{"status":"success","execution_id":"e","outputs":[],"index_path":"/artifacts/_index.json","meta":{"env_fingerprint":""}}`,
		"error no body":    `{"status":"error","execution_id":"e","meta":{"env_fingerprint":""}}`,
		"error w/ outputs": `{"status":"error","execution_id":"e","outputs":[],"error":{"code":"ERR_INPUTS","message":""},"meta":{"env_fingerprint":""}}`,
		"bad status":       `{"status":"maybe","execution_id":"e","meta":{"env_fingerprint":""}}`,
		"bad code":         `{"status":"error","execution_id":"e","error":{"code":"oops","message":""},"meta":{"env_fingerprint":""}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(raw))
			require.Error(t, err)
			assert.True(t, errorir.HasCode(err, errorir.CodeAdapterInvocation), err.Error())
		})
	}
}

func TestCheckShape_Success(t *testing.T) {
	env := okEnvelope(
		Output{Path: "/artifacts/run-1/a.json", CID: cidA, SizeBytes: 10, Mime: "application/json"},
		Output{Path: "/artifacts/run-1/b%20c.json", CID: cidB, SizeBytes: 3, Mime: "application/json"},
	)
	out, err := CheckShape(env, canon, writes, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/run-1/b c.json", out[1].Path)
}

func TestCheckShape_DuplicateAfterCanonicalization(t *testing.T) {
	env := okEnvelope(
		Output{Path: "/artifacts/run-1/a.json", CID: cidA, SizeBytes: 1, Mime: "text/plain"},
		Output{Path: "/artifacts//run-1/%61.json", CID: cidB, SizeBytes: 1, Mime: "text/plain"},
	)
	_, err := CheckShape(env, canon, writes, "exec-1")
	assert.True(t, errorir.HasCode(err, errorir.CodeOutputDuplicate), "got %v", err)
}

func TestCheckShape_Violations(t *testing.T) {
	out := func(p string) Output { return Output{Path: p, CID: cidA, SizeBytes: 1, Mime: "text/plain"} }

	unsorted := okEnvelope(out("/artifacts/run-1/b"), out("/artifacts/run-1/a"))
	outside := okEnvelope(out("/artifacts/run-2/a"))
	badIndex := okEnvelope(out("/artifacts/run-1/a"))
	badIndex.IndexPath = "/artifacts/run-1/index.json"
	foreignIndex := okEnvelope(out("/artifacts/run-1/a"))
	foreignIndex.IndexPath = "/artifacts/other/_index.json"
	encoded := okEnvelope(out("/artifacts/run-1/x%2Fy"))

	for name, env := range map[string]*Envelope{
		"unsorted":      unsorted,
		"outside":       outside,
		"index name":    badIndex,
		"index prefix":  foreignIndex,
		"encoded slash": encoded,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := CheckShape(env, canon, writes, "exec-1")
			assert.True(t, errorir.HasCode(err, errorir.CodeAdapterInvocation), "got %v", err)
		})
	}

	_, err := CheckShape(okEnvelope(), canon, writes, "exec-2")
	assert.True(t, errorir.HasCode(err, errorir.CodeAdapterInvocation))
}

func TestFailureFrom(t *testing.T) {
	env := FailureFrom("e", errorir.New(errorir.CodeMissingSecret, "secret API_KEY is not set"), Meta{})
	assert.Equal(t, errorir.CodeMissingSecret, env.Code())
	assert.Equal(t, "secret API_KEY is not set", env.Error.Message)
	require.NoError(t, Validate(env))
}
