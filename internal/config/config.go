// Package config loads and validates the gateway configuration.
//
// DESIGN: Configuration comes from one YAML file; the embedded default in
// cmd/configs is used when none is given. Values may reference the
// environment with ${VAR} or ${VAR:-default}, which keeps secrets such as
// the inline credential blob out of the file.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - upstream.go:   Credential and upstream client settings
//   - monitoring.go: Logging and tracing settings
//   - context.go:    Context management (re-exported from preemptive)
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the Kiro gateway.
type Config struct {
	Server      ServerConfig      `yaml:"server"`      // HTTP server settings
	Credentials CredentialsConfig `yaml:"credentials"` // Account credential sources
	Upstream    UpstreamConfig    `yaml:"upstream"`    // CodeWhisperer client
	Context     ContextConfig     `yaml:"context"`     // Context window management
	Store       StoreConfig       `yaml:"store"`       // Credential fast cache
	Monitoring  MonitoringConfig  `yaml:"monitoring"`  // Logging and tracing
	Models      map[string]string `yaml:"models"`      // Extra public → upstream model aliases
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`          // Interface to bind, empty = all
	Port         int           `yaml:"port"`          // Port to listen on
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Max time to read request
	WriteTimeout time.Duration `yaml:"write_timeout"` // Max time to write response, covers whole streams
	APIKey       string        `yaml:"api_key"`       // Required x-api-key / Bearer value, empty = open
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig contains credential cache settings.
type StoreConfig struct {
	Type string        `yaml:"type"` // Store type: "memory" or "sqlite"
	Path string        `yaml:"path"` // Database file for sqlite
	TTL  time.Duration `yaml:"ttl"`  // Time-to-live for entries
}

// Store types.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// They win over values written in the file.
func (c *Config) applyEnvOverrides() {
	// KIRO_CREDS_FILE points at another credential file
	if path := os.Getenv("KIRO_CREDS_FILE"); path != "" {
		c.Credentials.File = path
	}

	// KIRO_LOG_LEVEL raises or lowers verbosity without editing the file
	if level := os.Getenv("KIRO_LOG_LEVEL"); level != "" {
		c.Monitoring.LogLevel = level
	}

	// SESSION_COMPACTION_LOG redirects the compaction trail
	if path := os.Getenv("SESSION_COMPACTION_LOG"); path != "" {
		c.Context.CompactionLogPath = path
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout == 0 {
		return fmt.Errorf("server.write_timeout is required")
	}

	// Store validation
	switch c.Store.Type {
	case "":
		return fmt.Errorf("store.type is required")
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("invalid store.type: %q (must be memory or sqlite)", c.Store.Type)
	}
	if c.Store.TTL == 0 {
		return fmt.Errorf("store.ttl is required")
	}

	if err := c.Credentials.Validate(); err != nil {
		return err
	}
	if err := c.Upstream.Validate(); err != nil {
		return err
	}
	if err := c.Monitoring.Validate(); err != nil {
		return err
	}
	if err := c.Context.Validate(); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	for public, id := range c.Models {
		if public == "" || id == "" {
			return fmt.Errorf("models: alias %q → %q must not be empty", public, id)
		}
	}
	return nil
}
