package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk YAML form of a set of processor specs.
type Catalog struct {
	Processors []ProcessorSpec `yaml:"processors"`
}

// LoadCatalog reads a YAML catalog into a fresh in-memory registry.
func LoadCatalog(path string) (*InMemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*InMemoryRegistry, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	reg := NewInMemoryRegistry()
	for i := range cat.Processors {
		p := cat.Processors[i]
		if p.Transport == "" {
			p.Transport = TransportLocal
		}
		if err := reg.Register(p); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
	}
	return reg, nil
}
