// Package config holds all flowagent configuration. Settings come from an
// optional YAML file, a .env file when present, and environment variables,
// with the environment winning.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Output persistence modes for workflow records.
const (
	OutputModeLocal = "local"
	OutputModeDB    = "db"
)

// Config holds all flowagent configuration.
type Config struct {
	// HTTP listen address for the agent itself.
	Addr string `yaml:"addr"`

	// Upstream authority (module source, tokens, data/history records).
	Upstream UpstreamConfig `yaml:"upstream"`

	// Workflow output persistence.
	Outputs OutputsConfig `yaml:"outputs"`

	// Remote module resolution kill switch.
	RemoteImports bool `yaml:"remote_imports"`

	// Petex driver session.
	Petex PetexConfig `yaml:"petex"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// UpstreamConfig configures the authenticated internal client.
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	BearerToken  string `yaml:"bearer_token"`
	RefreshToken string `yaml:"refresh_token"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`

	// TokenTimeout bounds module-fetch and token calls, DataTimeout bounds
	// record/history calls.
	TokenTimeout string `yaml:"token_timeout"`
	DataTimeout  string `yaml:"data_timeout"`
}

// OutputsConfig configures the workflow output sink.
type OutputsConfig struct {
	Mode string `yaml:"mode"` // local, db
	Dir  string `yaml:"dir"`
}

// PetexConfig configures the scarce engineering driver session.
type PetexConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	DialTimeout string `yaml:"dial_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr: ":8001",

		Upstream: UpstreamConfig{
			BaseURL:      "http://btlweb:8000/api",
			TokenTimeout: "30s",
			DataTimeout:  "60s",
		},

		Outputs: OutputsConfig{
			Mode: OutputModeLocal,
			Dir:  "data/workflow_outputs",
		},

		RemoteImports: true,

		Petex: PetexConfig{
			Enabled:     true,
			Addr:        "127.0.0.1:7950",
			DialTimeout: "10s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from an optional YAML file, then a .env file if
// one exists, then environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLOWAGENT_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("FLOWAGENT_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("FLOWAGENT_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("FLOWAGENT_BEARER_TOKEN"); v != "" {
		c.Upstream.BearerToken = v
	}
	if v := os.Getenv("FLOWAGENT_REFRESH_TOKEN"); v != "" {
		c.Upstream.RefreshToken = v
	}
	if v := os.Getenv("FLOWAGENT_USERNAME"); v != "" {
		c.Upstream.Username = v
	}
	if v := os.Getenv("FLOWAGENT_PASSWORD"); v != "" {
		c.Upstream.Password = v
	}
	if v := os.Getenv("FLOWAGENT_OUTPUT_MODE"); v != "" {
		c.Outputs.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("FLOWAGENT_OUTPUT_DIR"); v != "" {
		c.Outputs.Dir = v
	}
	if v := os.Getenv("FLOWAGENT_REMOTE_IMPORTS"); v != "" {
		c.RemoteImports = parseBool(v)
	}
	if v := os.Getenv("FLOWAGENT_PETEX_ENABLED"); v != "" {
		c.Petex.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLOWAGENT_PETEX_ADDR"); v != "" {
		c.Petex.Addr = v
	}
	if v := os.Getenv("FLOWAGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base URL not configured (set FLOWAGENT_BASE_URL)")
	}
	if c.Outputs.Mode != OutputModeLocal && c.Outputs.Mode != OutputModeDB {
		return fmt.Errorf("invalid output mode: %s (valid: %s, %s)", c.Outputs.Mode, OutputModeLocal, OutputModeDB)
	}
	return nil
}

// GetTokenTimeout returns the module-fetch/token call timeout as a duration.
func (c *Config) GetTokenTimeout() time.Duration {
	d, err := time.ParseDuration(c.Upstream.TokenTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetDataTimeout returns the record/history call timeout as a duration.
func (c *Config) GetDataTimeout() time.Duration {
	d, err := time.ParseDuration(c.Upstream.DataTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetPetexDialTimeout returns the driver dial timeout as a duration.
func (c *Config) GetPetexDialTimeout() time.Duration {
	d, err := time.ParseDuration(c.Petex.DialTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
