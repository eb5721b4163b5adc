package llm

import (
	"fmt"
)

// Provider names accepted by NewClient.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// Default models per provider.
const (
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultOpenAIModel    = "gpt-4o"
	DefaultOllamaModel    = "llama3.1"
)

// ClientConfig selects and configures a provider.
type ClientConfig struct {
	// Provider is one of the Provider* constants.
	Provider string

	// Model overrides the provider's default model.
	Model string

	// APIKey authenticates against hosted providers.
	APIKey string

	// Host is the Ollama server URL; unused by hosted providers.
	Host string
}

// NewClient builds a retry-wrapped client for the configured provider.
func NewClient(cfg ClientConfig) (Client, error) {
	raw, err := newRawClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRetryableClient(raw), nil
}

func newRawClient(cfg ClientConfig) (Client, error) {
	switch cfg.Provider {
	case ProviderGemini, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		return NewGeminiClient(cfg.APIKey, modelOrDefault(cfg.Model, DefaultGeminiModel)), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewClaudeClient(cfg.APIKey, modelOrDefault(cfg.Model, DefaultAnthropicModel)), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAIClient(cfg.APIKey, modelOrDefault(cfg.Model, DefaultOpenAIModel)), nil
	case ProviderOllama:
		return NewOllamaClient(cfg.Host, modelOrDefault(cfg.Model, DefaultOllamaModel)), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

func modelOrDefault(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}
