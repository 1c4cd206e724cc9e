// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Storage
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	// LLM provider
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	Model           string `envconfig:"MODEL" default:"claude-sonnet-4-5"`
	MaxTokens       int    `envconfig:"MAX_TOKENS" default:"4096"`

	// Agents
	AgentTimeout time.Duration `envconfig:"AGENT_TIMEOUT" default:"120s"`
	MaxDepth     int           `envconfig:"AGENT_MAX_DEPTH" default:"3"`
	MaxCalls     int           `envconfig:"AGENT_MAX_CALLS" default:"20"`

	// Librarian
	LibrarianDebounce time.Duration `envconfig:"LIBRARIAN_DEBOUNCE" default:"2s"`

	// Script blocks
	ScriptTimeout time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"250ms"`

	// Instruction overrides
	InstructionSetDir string `envconfig:"INSTRUCTION_SET_DIR"`
	InstructionWatch  bool   `envconfig:"INSTRUCTION_WATCH" default:"false"`

	// Plugins
	PluginDir string `envconfig:"PLUGIN_DIR"`

	// Streaming
	StreamHighWater int `envconfig:"STREAM_HIGH_WATER" default:"1024"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants that envconfig cannot express.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("AGENT_MAX_DEPTH must be >= 1")
	}
	if c.MaxCalls < 1 {
		return fmt.Errorf("AGENT_MAX_CALLS must be >= 1")
	}
	return nil
}

// ProviderEnabled returns true if an LLM provider is configured.
func (c *Config) ProviderEnabled() bool {
	return c.AnthropicAPIKey != ""
}

// InstructionDir returns the instruction-sets directory, defaulting to a
// sibling of the story data.
func (c *Config) InstructionDir() string {
	if c.InstructionSetDir != "" {
		return c.InstructionSetDir
	}
	return filepath.Join(c.DataDir, "instruction-sets")
}

// PluginsDir returns the plugin manifest directory, defaulting under DataDir.
func (c *Config) PluginsDir() string {
	if c.PluginDir != "" {
		return c.PluginDir
	}
	return filepath.Join(c.DataDir, "plugins")
}
