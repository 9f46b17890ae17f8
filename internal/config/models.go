package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Model is one entry of the selectable model catalog.
type Model struct {
	Value       string `yaml:"value" json:"value"`
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description" json:"description"`
}

type modelsFile struct {
	Models []Model `yaml:"models"`
}

// LoadModels reads the model catalog. There is no default model; a job
// request must name one of these values explicitly.
func LoadModels(path string) ([]Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var f modelsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("models file %s lists no models", path)
	}
	for i, m := range f.Models {
		if m.Value == "" {
			return nil, fmt.Errorf("models file %s: entry %d has no value", path, i)
		}
	}
	return f.Models, nil
}
