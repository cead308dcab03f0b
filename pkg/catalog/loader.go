package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML layout of a source catalog.
type File struct {
	Sources               []Descriptor `yaml:"sources"`
	CompromisedCategories []string     `yaml:"compromised_categories"`
}

// LoadFile reads and validates a catalog YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from raw YAML.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("catalog declares no sources")
	}
	return New(f.Sources, f.CompromisedCategories)
}
