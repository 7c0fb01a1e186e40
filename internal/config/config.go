// Package config loads service settings from an optional YAML file overlaid
// with AVATAR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "AVATAR_"

type Backend string

const (
	BackendDynamoDB Backend = "dynamodb"
	BackendMemory   Backend = "memory"
)

type Config struct {
	Backend     Backend `koanf:"backend"`
	StateTable  string  `koanf:"state_table"`
	ParamPrefix string  `koanf:"param_prefix"`
	LogLevel    string  `koanf:"log_level"`

	OpenAIBaseURL   string        `koanf:"openai_base_url"`
	ParamCacheTTL   time.Duration `koanf:"param_cache_ttl"`
	GenerateTimeout time.Duration `koanf:"generate_timeout"`

	IdleTimeout      time.Duration `koanf:"idle_timeout"`
	MaxMessageLength int           `koanf:"max_message_length"`

	KnowledgeCacheSize int           `koanf:"knowledge_cache_size"`
	KnowledgeCacheTTL  time.Duration `koanf:"knowledge_cache_ttl"`
	KnowledgeSeedFile  string        `koanf:"knowledge_seed_file"`

	DashboardTopN int `koanf:"dashboard_top_n"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend:            BackendDynamoDB,
		LogLevel:           "info",
		ParamCacheTTL:      10 * time.Minute,
		GenerateTimeout:    8 * time.Second,
		IdleTimeout:        30 * time.Minute,
		MaxMessageLength:   500,
		KnowledgeCacheSize: 256,
		KnowledgeCacheTTL:  5 * time.Minute,
		DashboardTopN:      10,
	}
}

// Load starts from defaults, applies the YAML file at path when it exists,
// then overlays environment variables: AVATAR_STATE_TABLE -> state_table.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			return fmt.Errorf("state_table is required for the dynamodb backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid backend %q: must be one of dynamodb, memory", c.Backend)
	}
	if c.ParamPrefix != "" && !strings.HasPrefix(c.ParamPrefix, "/") {
		return fmt.Errorf("param_prefix %q must start with /", c.ParamPrefix)
	}
	if c.GenerateTimeout <= 0 {
		return fmt.Errorf("generate_timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("max_message_length must be positive")
	}
	if c.KnowledgeCacheSize < 0 {
		return fmt.Errorf("knowledge_cache_size must be non-negative")
	}
	if c.DashboardTopN <= 0 {
		return fmt.Errorf("dashboard_top_n must be positive")
	}
	return nil
}

// GeneratorEnabled reports whether an LLM generator should be wired. Without
// a parameter prefix there is no token to call it with.
func (c *Config) GeneratorEnabled() bool {
	return c.ParamPrefix != ""
}
