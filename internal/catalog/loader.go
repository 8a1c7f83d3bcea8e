package catalog

import (
	"crypto/sha256"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/claimflow/model"
)

// File is the YAML shape of a catalog override.
type File struct {
	Steps []model.StepDefinition `yaml:"steps"`
}

// LoadFile reads a YAML catalog, validates it and returns the Catalog along
// with the SHA-256 checksum of the file contents.
func LoadFile(path string) (*Catalog, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("parsing %s: %w", path, err)
	}

	c, err := New(f.Steps)
	if err != nil {
		return nil, "", fmt.Errorf("validating %s: %w", path, err)
	}

	return c, fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// Load returns the catalog at path, or the built-in catalog if path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	c, _, err := LoadFile(path)
	return c, err
}
