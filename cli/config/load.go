package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables, and
// unmarshals and validates it. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return Parse(path, data)
}

// LoadDefault loads DefaultPath when it exists and returns an empty config
// otherwise.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat(DefaultPath); errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return Load(DefaultPath)
}

// Parse expands, decodes and validates config data. name labels errors.
func Parse(name string, data []byte) (*Config, error) {
	expanded := ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and means all defaults.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML in %s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", name, err)
	}
	return &cfg, nil
}
