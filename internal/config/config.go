// Package config loads streamcalc configuration from environment variables
// and an optional YAML file. Environment variables win over the file.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// envPrefix namespaces all environment variables (STREAMCALC_STORE_PATH, ...).
const envPrefix = "STREAMCALC"

// Config is the complete application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" envconfig:"STORE"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
	Engine  EngineConfig  `yaml:"engine" envconfig:"ENGINE"`
}

// StoreConfig locates the event store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// EngineConfig bounds the computation engine.
type EngineConfig struct {
	// MaxTaxonomyDepth is the hierarchy expansion bound (cycle guard).
	// Zero selects the engine default.
	MaxTaxonomyDepth int `yaml:"max_taxonomy_depth" envconfig:"MAX_TAXONOMY_DEPTH"`
}

// Load reads configuration from the optional YAML file named by
// STREAMCALC_CONFIG (default "config.yaml" when present), then overlays
// environment variables.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv(envPrefix + "_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("loading config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Path: "data/streams.db"},
		Logging: LoggingConfig{Level: "info", Output: "stderr", FilePath: "logs/streamcalc.log"},
		Engine:  EngineConfig{MaxTaxonomyDepth: 1000},
	}
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if c.Engine.MaxTaxonomyDepth < 0 {
		return fmt.Errorf("max taxonomy depth must not be negative")
	}
	switch c.Logging.Output {
	case "stderr", "stdout", "file", "both":
	default:
		return fmt.Errorf("unknown logging output %q", c.Logging.Output)
	}
	return nil
}
