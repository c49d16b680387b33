package ctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk ingestctl configuration.
type FileConfig struct {
	APIBase      string `yaml:"api_base"`
	ContentType  string `yaml:"content_type"`
	Compress     bool   `yaml:"compress"`
	PollInterval string `yaml:"poll_interval"`
}

// DefaultConfigPath returns the conventional config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ingestctl.yaml")
}

// LoadConfig reads the YAML config at path. A missing file at the default
// location is not an error; a missing explicit path is.
func LoadConfig(path string, explicit bool) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return &FileConfig{}, nil
		}
		return nil, err
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}
