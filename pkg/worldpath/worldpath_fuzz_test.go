package worldpath

import "testing"

func FuzzCanonicalize(f *testing.F) {
	f.Add("/artifacts/a/b")
	f.Add("/artifacts/outputs%2Fhidden/file.txt")
	f.Add("/streams/%25%32%46")
	f.Add("//artifacts/./x")
	f.Add("/artifacts/e%CC%81/")

	f.Fuzz(func(t *testing.T, p string) {
		once, err := Canonicalize(p)
		if err != nil {
			if KindOf(err) == "" {
				t.Fatalf("non-categorical error for %q: %v", p, err)
			}
			return
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("canonical output %q rejected: %v", once, err)
		}
		if twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", p, once, twice)
		}
	})
}
