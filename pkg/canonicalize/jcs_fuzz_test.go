package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('x')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
		}

		b1, err := JCS(v)
		if err != nil {
			return
		}
		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS failed on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Fatalf("JCS non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		// Canonical output is a fixed point.
		b3, err := Transform(b1)
		if err != nil {
			t.Fatalf("canonical output rejected: %v", err)
		}
		if string(b3) != string(b1) {
			t.Fatalf("transform not idempotent:\n  once:  %s\n  twice: %s", b1, b3)
		}
	})
}
