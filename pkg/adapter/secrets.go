package adapter

import (
	"os"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
)

// SecretSource looks up a secret value by name.
type SecretSource interface {
	Lookup(name string) (string, bool)
}

// EnvSecrets reads secrets from environment variables named Prefix+NAME,
// with the name upper-cased and '-' / '.' mapped to '_'.
type EnvSecrets struct {
	Prefix string
}

func (e EnvSecrets) Lookup(name string) (string, bool) {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	v, ok := os.LookupEnv(e.Prefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// MapSecrets is a fixed SecretSource.
type MapSecrets map[string]string

func (m MapSecrets) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok && v != ""
}

// ResolveSecrets returns the values of names, or ERR_MISSING_SECRET naming
// the first absent one. Values never appear in the error.
func ResolveSecrets(src SecretSource, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(names))
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, n := range sorted {
		if src == nil {
			return nil, errorir.New(errorir.CodeMissingSecret, "secret %s is not configured", n)
		}
		v, ok := src.Lookup(n)
		if !ok {
			return nil, errorir.New(errorir.CodeMissingSecret, "secret %s is not configured", n)
		}
		out[n] = v
	}
	return out, nil
}

const redacted = "[REDACTED]"

// Redact replaces every secret value in s.
func Redact(s string, secrets map[string]string) string {
	if len(secrets) == 0 || s == "" {
		return s
	}
	vals := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if v != "" {
			vals = append(vals, v)
		}
	}
	// Longest first so a secret that contains another is fully masked.
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })
	for _, v := range vals {
		s = strings.ReplaceAll(s, v, redacted)
	}
	return s
}
