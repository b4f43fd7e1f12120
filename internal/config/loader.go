package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*StreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg StreamConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.resolveQueryFiles(filepath.Dir(path)); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration built from defaults alone: the Solana and
// Binance Smart Chain sources with the token taken from BITQUERY_TOKEN.
func Default() *StreamConfig {
	cfg := &StreamConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*StreamConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*StreamConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// resolveQueryFiles reads query_file entries relative to the config directory.
func (c *StreamConfig) resolveQueryFiles(dir string) error {
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.QueryFile == "" || src.Query != "" {
			continue
		}
		path := src.QueryFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read query file for source %q: %w", src.Name, err)
		}
		src.Query = string(data)
	}
	return nil
}
