package registry

import (
	"encoding/json"
	"fmt"
)

// Transport selects which adapter executes a processor.
type Transport string

const (
	TransportLocal  Transport = "local"
	TransportRemote Transport = "remote"
)

// Limits bounds a single invocation of a processor.
type Limits struct {
	TimeoutMs int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	CPUMillis int64 `json:"cpu_millis,omitempty" yaml:"cpu_millis,omitempty"`
	MemoryMB  int64 `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
}

// ProcessorSpec describes one versioned processor image.
type ProcessorSpec struct {
	Ref          string            `json:"ref" yaml:"ref"`
	Image        string            `json:"image,omitempty" yaml:"image,omitempty"`
	Digests      map[string]string `json:"digests" yaml:"digests"` // platform -> sha256:<hex>
	InputSchema  map[string]any    `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any    `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Secrets      []string          `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Limits       Limits            `json:"limits" yaml:"limits"`
	Transport    Transport         `json:"transport" yaml:"transport"`
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// Validate checks the static shape of a spec. Digest pinning is checked
// lazily by Snapshot.PinnedDigest so an unpinned spec can still be listed.
func (s *ProcessorSpec) Validate() error {
	if _, err := ParseRef(s.Ref); err != nil {
		return err
	}
	switch s.Transport {
	case TransportLocal, TransportRemote:
	default:
		return fmt.Errorf("registry: %s: unknown transport %q", s.Ref, s.Transport)
	}
	if s.Transport == TransportRemote && s.Endpoint == "" {
		return fmt.Errorf("registry: %s: remote transport requires an endpoint", s.Ref)
	}
	return nil
}

func (s *ProcessorSpec) clone() (*ProcessorSpec, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out ProcessorSpec
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
