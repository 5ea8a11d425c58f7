// Package config defines the taskdeck daemon configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the top-level taskdeck configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Generate GenerateConfig `json:"generate" yaml:"generate"`
	DataDir  string         `json:"data_dir" yaml:"data_dir"`
	LogLevel string         `json:"log_level" yaml:"log_level"` // debug, info, warn, error
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr              string   `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
}

// AuthConfig controls token issuance and account creation.
type AuthConfig struct {
	JWTSecret   string   `json:"jwt_secret" yaml:"jwt_secret"` // generated per process when empty
	Issuer      string   `json:"issuer" yaml:"issuer"`
	TokenTTL    Duration `json:"token_ttl" yaml:"token_ttl"`
	AllowSignUp bool     `json:"allow_sign_up" yaml:"allow_sign_up"`
}

// GenerateConfig selects the language-model provider.
type GenerateConfig struct {
	Provider      string   `json:"provider" yaml:"provider"` // "deepseek", "openai", "anthropic", "ollama", "mock"
	Model         string   `json:"model,omitempty" yaml:"model"` // provider default when empty
	BaseURL       string   `json:"base_url,omitempty" yaml:"base_url"`
	APIKey        string   `json:"api_key,omitempty" yaml:"api_key"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	RatePerMinute float64  `json:"rate_per_minute" yaml:"rate_per_minute"` // per subject; 0 disables
	Burst         int      `json:"burst" yaml:"burst"`
}

// Duration is a time.Duration written as a string ("30s") in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":9090",
			ReadHeaderTimeout: Duration(10 * time.Second),
		},
		Auth: AuthConfig{
			Issuer:      "taskdeck",
			TokenTTL:    Duration(24 * time.Hour),
			AllowSignUp: true,
		},
		Generate: GenerateConfig{
			Provider:      "deepseek",
			Timeout:       Duration(2 * time.Minute),
			RatePerMinute: 20,
			Burst:         5,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a config file over DefaultConfig and applies environment
// overrides. Files ending in .json or .jsonc may contain comments and
// trailing commas; anything else is parsed as YAML. An empty path loads
// only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".jsonc":
			err = json.Unmarshal(jsonc.ToJSON(data), cfg)
		default:
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("TASKDECK_ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("TASKDECK_JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("TASKDECK_PROVIDER"); ok && v != "" {
		c.Generate.Provider = v
	}
	if v, ok := lookup("TASKDECK_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if c.Generate.APIKey == "" {
		for _, name := range apiKeyEnv[c.Generate.Provider] {
			if v, ok := lookup(name); ok && v != "" {
				c.Generate.APIKey = v
				break
			}
		}
	}
}

var apiKeyEnv = map[string][]string{
	"deepseek":  {"DEEPSEEK_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
}

// Validate reports settings the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if c.Generate.RatePerMinute < 0 || c.Generate.Burst < 0 {
		return fmt.Errorf("config: generate.rate_per_minute and generate.burst must not be negative")
	}
	return nil
}
