// Package config loads the tilestore YAML configuration: which datasets
// exist and which backend serves each one.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oceanworks/tilestore/internal/backend/columnar"
	"github.com/oceanworks/tilestore/internal/backend/indexed"
)

// Backend kinds a dataset can be served by.
const (
	BackendIndexed  = "indexed"
	BackendColumnar = "columnar"
)

// Config is the top-level configuration file.
type Config struct {
	// LogLevel is a zerolog level name (default "info").
	LogLevel string    `yaml:"logLevel"`
	Datasets []Dataset `yaml:"datasets"`
}

// Dataset binds one dataset id to a backend and its settings.
type Dataset struct {
	ID      string `yaml:"id"`
	Backend string `yaml:"backend"`

	// Indexed backend settings.
	Solr indexed.SolrConfig `yaml:"solr"`
	Blob indexed.BlobConfig `yaml:"blob"`

	// Columnar backend settings.
	Columnar columnar.Config `yaml:"columnar"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Datasets) == 0 {
		return fmt.Errorf("config: no datasets defined")
	}
	seen := make(map[string]bool, len(c.Datasets))
	for i, ds := range c.Datasets {
		if ds.ID == "" {
			return fmt.Errorf("config: dataset %d has no id", i)
		}
		if seen[ds.ID] {
			return fmt.Errorf("config: duplicate dataset id %q", ds.ID)
		}
		seen[ds.ID] = true

		switch ds.Backend {
		case BackendIndexed:
			if ds.Solr.URL == "" {
				return fmt.Errorf("config: dataset %q: indexed backend needs solr.url", ds.ID)
			}
			if ds.Blob.URL == "" {
				return fmt.Errorf("config: dataset %q: indexed backend needs blob.url", ds.ID)
			}
		case BackendColumnar:
			if ds.Columnar.Table == "" {
				return fmt.Errorf("config: dataset %q: columnar backend needs columnar.table", ds.ID)
			}
			if ds.Columnar.Variable == "" || ds.Columnar.TimeColumn == "" ||
				ds.Columnar.LatColumn == "" || ds.Columnar.LonColumn == "" {
				return fmt.Errorf("config: dataset %q: columnar backend needs variable and coordinate columns", ds.ID)
			}
		default:
			return fmt.Errorf("config: dataset %q: unknown backend %q", ds.ID, ds.Backend)
		}
	}
	return nil
}
