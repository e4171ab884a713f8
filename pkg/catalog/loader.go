package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogData []byte

// catalogFile is the top-level structure of a catalog YAML document.
type catalogFile struct {
	Metrics []Descriptor `yaml:"metrics"`
	Groups  []Group      `yaml:"groups"`
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the embedded catalog, parsing it on first access.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Load(defaultCatalogData)
	})
	return defaultCat, defaultErr
}

// Load parses and validates a catalog YAML document.
func Load(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse yaml: %w", err)
	}
	c, err := newCatalog(f.Metrics, f.Groups)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return c, nil
}

// LoadFile reads a catalog from path. An empty path selects the embedded
// default.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %q: %w", path, err)
	}
	return Load(data)
}
