package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
)

func TestEnvSecrets(t *testing.T) {
	t.Setenv("SUBSTRATE_SECRET_API_KEY", "k1")
	src := EnvSecrets{Prefix: "SUBSTRATE_SECRET_"}
	v, ok := src.Lookup("api-key")
	require.True(t, ok)
	assert.Equal(t, "k1", v)
	_, ok = src.Lookup("other")
	assert.False(t, ok)
}

func TestResolveSecrets(t *testing.T) {
	got, err := ResolveSecrets(MapSecrets{"a": "1", "b": "2"}, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	_, err = ResolveSecrets(MapSecrets{"a": "hunter2"}, []string{"a", "missing"})
	assert.Equal(t, errorir.CodeMissingSecret, errorir.CodeOf(err))
	assert.NotContains(t, err.Error(), "hunter2")

	_, err = ResolveSecrets(nil, []string{"a"})
	assert.Equal(t, errorir.CodeMissingSecret, errorir.CodeOf(err))

	got, err = ResolveSecrets(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedact(t *testing.T) {
	s := map[string]string{"short": "abc", "long": "abcdef"}
	assert.Equal(t, "key=[REDACTED] other=[REDACTED]", Redact("key=abcdef other=abc", s))
	assert.Equal(t, "plain", Redact("plain", nil))
}
