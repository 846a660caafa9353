package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lakeshed/reddit-medallion/store"
)

// Config holds all configuration for the medallion pipeline service.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Input   InputConfig   `yaml:"input"`
	Store   StoreConfig   `yaml:"store"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Name                string `yaml:"name"`
	HealthPort          string `yaml:"health_port"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// InputConfig describes where the collector drops batch files.
type InputConfig struct {
	Dir        string `yaml:"dir"`
	Pattern    string `yaml:"pattern"`
	ArchiveDir string `yaml:"archive_dir"`
}

// StoreConfig addresses the table store and its tier schemas.
type StoreConfig struct {
	Path             string `yaml:"path"`
	BronzeSchema     string `yaml:"bronze_schema"`
	SilverSchema     string `yaml:"silver_schema"`
	GoldSchema       string `yaml:"gold_schema"`
	QuarantineSchema string `yaml:"quarantine_schema"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Set defaults
	if config.Service.Name == "" {
		config.Service.Name = "reddit-medallion"
	}
	if config.Service.HealthPort == "" {
		config.Service.HealthPort = "8093"
	}
	if config.Service.PollIntervalSeconds == 0 {
		config.Service.PollIntervalSeconds = 60
	}
	if config.Input.Pattern == "" {
		config.Input.Pattern = "*.ndjson"
	}
	if config.Store.BronzeSchema == "" {
		config.Store.BronzeSchema = "bronze"
	}
	if config.Store.SilverSchema == "" {
		config.Store.SilverSchema = "silver"
	}
	if config.Store.GoldSchema == "" {
		config.Store.GoldSchema = "gold"
	}
	if config.Store.QuarantineSchema == "" {
		config.Store.QuarantineSchema = "quarantine"
	}

	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Input.Dir == "" {
		return fmt.Errorf("input.dir is required")
	}
	if c.Input.ArchiveDir == "" {
		return fmt.Errorf("input.archive_dir is required")
	}
	if c.Service.PollIntervalSeconds < 5 {
		return fmt.Errorf("service.poll_interval_seconds must be at least 5")
	}
	return nil
}

// PollInterval returns the input polling interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Service.PollIntervalSeconds) * time.Second
}

// StoreOptions projects the store section into store.Options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Path:             c.Store.Path,
		BronzeSchema:     c.Store.BronzeSchema,
		SilverSchema:     c.Store.SilverSchema,
		GoldSchema:       c.Store.GoldSchema,
		QuarantineSchema: c.Store.QuarantineSchema,
	}
}
