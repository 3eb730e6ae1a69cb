package worldpath

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_Table(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		kind Kind
	}{
		{name: "simple", in: "/artifacts/a/b.txt", want: "/artifacts/a/b.txt"},
		{name: "facet root", in: "/streams", want: "/streams"},
		{name: "prefix keeps trailing", in: "/artifacts/out/", want: "/artifacts/out/"},
		{name: "collapse", in: "//artifacts///a//b", want: "/artifacts/a/b"},
		{name: "percent decoded once", in: "/artifacts/hello%20world", want: "/artifacts/hello world"},
		{name: "double encoded percent stays literal", in: "/artifacts/a%252Fb", want: "/artifacts/a%252Fb"},
		{name: "nfc", in: "/artifacts/café", want: "/artifacts/café"},
		{name: "decoded nfc", in: "/artifacts/e%CC%81", want: "/artifacts/é"},
		{name: "encoded facet", in: "/%61rtifacts/x", want: "/artifacts/x"},
		{name: "relative", in: "artifacts/x", kind: KindNotAbsolute},
		{name: "empty", in: "", kind: KindNotAbsolute},
		{name: "root only", in: "/", kind: KindBadFacet},
		{name: "unknown facet", in: "/secrets/x", kind: KindBadFacet},
		{name: "dot", in: "/artifacts/./x", kind: KindDotSegment},
		{name: "dotdot", in: "/artifacts/../streams/x", kind: KindDotSegment},
		{name: "encoded dotdot", in: "/artifacts/%2E%2E/x", kind: KindDotSegment},
		{name: "encoded slash", in: "/artifacts/outputs%2Fhidden/file.txt", kind: KindDecodedSeparator},
		{name: "encoded slash lower", in: "/artifacts/a%2fb", kind: KindDecodedSeparator},
		{name: "encoded backslash", in: "/artifacts/a%5Cb", kind: KindDecodedSeparator},
		{name: "malformed escape", in: "/artifacts/a%zz", kind: KindPercentDecode},
		{name: "truncated escape", in: "/artifacts/a%4", kind: KindPercentDecode},
		{name: "invalid utf8 after decode", in: "/artifacts/%FF", kind: KindInvalidEncoding},
		{name: "nul", in: "/artifacts/a%00b", kind: KindInvalidEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			if tt.kind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.kind, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalize_EncodedSeparatorScenario(t *testing.T) {
	_, err := Canonicalize("/artifacts/outputs%2Fhidden/file.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecodedSeparator))
	assert.False(t, errors.Is(err, ErrDotSegment))
}

func TestCanonicalize_Idempotent(t *testing.T) {
	for _, in := range []string{
		"/artifacts/a%2525b",
		"/artifacts/x%20y/",
		"/streams//e%CC%81/%25",
	} {
		once, err := Canonicalize(in)
		require.NoError(t, err, in)
		twice, err := Canonicalize(once)
		require.NoError(t, err, once)
		assert.Equal(t, once, twice)
	}
}

func TestNew_RejectsBadFacets(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
	_, err = New("a/b")
	assert.Error(t, err)
	_, err = New("..")
	assert.Error(t, err)

	c, err := New("models", "artifacts")
	require.NoError(t, err)
	assert.Equal(t, []string{"artifacts", "models"}, c.Facets())
	got, err := c.Canonicalize("/models/m1")
	require.NoError(t, err)
	assert.Equal(t, "/models/m1", got)
	_, err = c.Canonicalize("/streams/s")
	assert.True(t, errors.Is(err, ErrBadFacet))
}

func TestUnique(t *testing.T) {
	out, err := Unique([]string{"/artifacts/a", "/artifacts/b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/artifacts/a", "/artifacts/b"}, out)

	_, err = Unique([]string{"/artifacts/a%20b", "/artifacts//a b"})
	require.Error(t, err)
	assert.Equal(t, KindDuplicate, KindOf(err))
}

func TestFacet(t *testing.T) {
	assert.Equal(t, "artifacts", Facet("/artifacts/a/b"))
	assert.Equal(t, "streams", Facet("/streams"))
}
