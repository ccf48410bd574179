package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/inkframe/backend/internal/app/providers"
)

// ProvidersFile is the on-disk shape of the provider catalog.
type ProvidersFile struct {
	Models []providers.ModelSpec `yaml:"models"`
}

// LoadProviders reads the catalog overrides from path and merges them over
// the compiled-in catalog.
func LoadProviders(path string) ([]providers.ModelSpec, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	for i, spec := range file.Models {
		if spec.Provider == "" || spec.Model == "" {
			return nil, fmt.Errorf("providers file: model %d: provider and model are required", i)
		}
		if !spec.Disabled && spec.BaseRate <= 0 {
			return nil, fmt.Errorf("providers file: %s/%s: base_rate must be positive", spec.Provider, spec.Model)
		}
	}
	return providers.MergeCatalog(providers.DefaultCatalog(), file.Models), nil
}

// LoadProvidersOrDefault returns the compiled-in catalog when path is empty
// or missing.
func LoadProvidersOrDefault(path string) ([]providers.ModelSpec, error) {
	if path == "" {
		return providers.DefaultCatalog(), nil
	}
	specs, err := LoadProviders(path)
	if errors.Is(err, fs.ErrNotExist) {
		return providers.DefaultCatalog(), nil
	}
	return specs, err
}
