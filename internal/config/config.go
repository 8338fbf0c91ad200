// Package config handles configuration loading and management for Butler.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Butler.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Session   SessionConfig   `mapstructure:"session"`
	Orchestr  OrchestrConfig  `mapstructure:"orchestrator"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
	Cache     CacheConfig     `mapstructure:"cache"`
	// Tools maps tool names to the shell commands that provide them.
	// Arguments arrive on stdin as JSON; stdout is the tool result.
	Tools map[string]string `mapstructure:"tools"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// UseAWSBedrock routes completion calls through AWS Bedrock.
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
	// MaxRetries bounds the backoff retry loop on transient failures.
	MaxRetries int `mapstructure:"max_retries"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// IdleWindow is how long a suspended session stays resumable.
	IdleWindow time.Duration `mapstructure:"idle_window"`
	// ApprovalTimeout is how long a confirmation request may sit
	// unresolved before the session's awaiting state expires.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
}

// OrchestrConfig holds orchestrator settings.
type OrchestrConfig struct {
	// ConfidenceThreshold forces a clarify reply below this value.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	// MaxDelegations caps how many sub-agents one turn may spawn.
	MaxDelegations int `mapstructure:"max_delegations"`
}

// AgentsConfig holds sub-agent settings.
type AgentsConfig struct {
	// PersonalitiesPath points to the YAML file of personality records.
	PersonalitiesPath string `mapstructure:"personalities_path"`
	// Timeout is the default per-run timeout.
	Timeout time.Duration `mapstructure:"timeout"`
}

// HooksConfig holds hook runner settings.
type HooksConfig struct {
	// Path points to the YAML file of hook registrations.
	Path string `mapstructure:"path"`
	// MaxParallel bounds concurrent hook executions within one event.
	MaxParallel int `mapstructure:"max_parallel"`
	// DefaultTimeout applies to registrations without a timeout_ms.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// CacheConfig holds prompt cache settings.
type CacheConfig struct {
	// MinTokens is the minimum segment size eligible for caching.
	MinTokens int `mapstructure:"min_tokens"`
	// TTL is how long a segment stays reusable.
	TTL time.Duration `mapstructure:"ttl"`
	// MaxBytes is the in-process cache capacity in bytes.
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.butler.yaml in current directory or parent)
// 3. User config (~/.config/butler/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_aws_bedrock", false)
	v.SetDefault("anthropic.max_retries", 3)

	v.SetDefault("session.idle_window", "30m")
	v.SetDefault("session.approval_timeout", "24h")

	v.SetDefault("orchestrator.confidence_threshold", 0.55)
	v.SetDefault("orchestrator.max_delegations", 4)

	v.SetDefault("agents.personalities_path", "")
	v.SetDefault("agents.timeout", "2m")

	v.SetDefault("hooks.path", "")
	v.SetDefault("hooks.max_parallel", 4)
	v.SetDefault("hooks.default_timeout", "2s")

	v.SetDefault("cache.min_tokens", 1024)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.max_bytes", 64<<20)
}

// getUserConfigDir returns the XDG config directory for Butler.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "butler")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "butler")
	}
	return filepath.Join(home, ".config", "butler")
}

// findProjectConfig searches for .butler.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".butler.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{MaxRetries: 3},
		Session: SessionConfig{
			IdleWindow:      30 * time.Minute,
			ApprovalTimeout: 24 * time.Hour,
		},
		Orchestr: OrchestrConfig{
			ConfidenceThreshold: 0.55,
			MaxDelegations:      4,
		},
		Agents: AgentsConfig{Timeout: 2 * time.Minute},
		Hooks: HooksConfig{
			MaxParallel:    4,
			DefaultTimeout: 2 * time.Second,
		},
		Cache: CacheConfig{
			MinTokens: 1024,
			TTL:       5 * time.Minute,
			MaxBytes:  64 << 20,
		},
	}
}
