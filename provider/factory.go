package provider

import (
	"fmt"
	"net/http"
	"time"
)

// Config selects and configures a remote provider.
type Config struct {
	Name    string // "deepseek", "openai", "anthropic" or "ollama"
	Model   string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New builds the provider named by cfg.Name. Hosted providers require an
// API key.
func New(cfg Config) (Provider, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	switch cfg.Name {
	case "deepseek", "openai", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider %q: API key is not configured", cfg.Name)
		}
		baseURL := cfg.BaseURL
		if baseURL == "" && cfg.Name == "openai" {
			baseURL = "https://api.openai.com"
		}
		model := cfg.Model
		if model == "" && cfg.Name == "openai" {
			model = "gpt-4o-mini"
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			Model:      model,
			BaseURL:    baseURL,
			HTTPClient: client,
		}), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider %q: API key is not configured", cfg.Name)
		}
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			HTTPClient: client,
		}), nil
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			HTTPClient: client,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
