// Package config provides configuration loading and management for bioquery.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/graphmed/bioquery/model"
)

// Config represents the complete bioquery configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Packs  PacksConfig  `yaml:"packs"`
	Query  QueryConfig  `yaml:"query"`
	Model  ModelConfig  `yaml:"model"`
	NATS   NATSConfig   `yaml:"nats"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	// Addr is the listen address for the HTTP API
	Addr string `yaml:"addr"`
}

// PacksConfig configures query pack loading
type PacksConfig struct {
	// Dir is an optional directory of additional pack files; the embedded
	// expression-atlas pack is always available
	Dir string `yaml:"dir"`
	// MaxAge is how long loaded packs are cached before reload (0 = reload
	// on every access)
	MaxAge time.Duration `yaml:"max_age"`
	// Watch reloads packs when files under Dir change
	Watch bool `yaml:"watch"`
}

// QueryConfig configures query execution
type QueryConfig struct {
	// Timeout bounds each query dispatched to a SPARQL endpoint
	Timeout time.Duration `yaml:"timeout"`
	// Repair enables the single LLM repair pass on endpoint rejections
	Repair bool `yaml:"repair"`
}

// ModelConfig configures the LLM model registry
type ModelConfig struct {
	// Enabled turns on LLM slot refinement and query repair
	Enabled bool `yaml:"enabled"`
	// Endpoints maps endpoint names to provider configurations; empty means
	// use the built-in local Ollama defaults
	Endpoints map[string]*model.EndpointConfig `yaml:"endpoints"`
	// Capabilities maps capability names to model preference chains
	Capabilities map[string]*model.CapabilityConfig `yaml:"capabilities"`
}

// NATSConfig configures the collaborator job connection
type NATSConfig struct {
	// URL is an external NATS server URL
	URL string `yaml:"url"`
	// Embedded starts an in-process NATS server when no URL is set. With
	// neither, collaborator jobs are disabled
	Embedded bool `yaml:"embedded"`
	// RequestTimeout bounds each submit/poll request
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Packs: PacksConfig{
			Dir:    "",
			MaxAge: 5 * time.Minute,
			Watch:  false,
		},
		Query: QueryConfig{
			Timeout: 60 * time.Second,
			Repair:  false,
		},
		Model: ModelConfig{
			Enabled: false,
		},
		NATS: NATSConfig{
			URL:            "",
			RequestTimeout: 10 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive")
	}
	if c.Packs.MaxAge < 0 {
		return fmt.Errorf("packs.max_age must not be negative")
	}
	if c.Model.Enabled {
		for name, ep := range c.Model.Endpoints {
			if ep.Provider == "" {
				return fmt.Errorf("model.endpoints.%s: provider is required", name)
			}
			if ep.Model == "" {
				return fmt.Errorf("model.endpoints.%s: model is required", name)
			}
		}
	}
	return nil
}

// Registry builds the model registry from this configuration. Without
// explicit endpoints the built-in local defaults apply.
func (c *Config) Registry() *model.Registry {
	if len(c.Model.Endpoints) == 0 {
		return model.NewDefaultRegistry()
	}
	caps := make(map[model.Capability]*model.CapabilityConfig, len(c.Model.Capabilities))
	for name, cfg := range c.Model.Capabilities {
		caps[model.Capability(name)] = cfg
	}
	return model.NewRegistry(caps, c.Model.Endpoints)
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}

	// Packs
	if other.Packs.Dir != "" {
		c.Packs.Dir = other.Packs.Dir
	}
	if other.Packs.MaxAge != 0 {
		c.Packs.MaxAge = other.Packs.MaxAge
	}
	if other.Packs.Watch {
		c.Packs.Watch = true
	}

	// Query
	if other.Query.Timeout != 0 {
		c.Query.Timeout = other.Query.Timeout
	}
	if other.Query.Repair {
		c.Query.Repair = true
	}

	// Model
	if other.Model.Enabled {
		c.Model.Enabled = true
	}
	if len(other.Model.Endpoints) > 0 {
		c.Model.Endpoints = other.Model.Endpoints
	}
	if len(other.Model.Capabilities) > 0 {
		c.Model.Capabilities = other.Model.Capabilities
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Embedded {
		c.NATS.Embedded = true
	}
	if other.NATS.RequestTimeout != 0 {
		c.NATS.RequestTimeout = other.NATS.RequestTimeout
	}
}
