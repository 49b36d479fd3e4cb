package providers

import (
	"os"
)

// TestConfig holds provider configurations loaded from environment variables.
type TestConfig struct {
	OpenRouterAPIKey string
	OpenAIAPIKey     string
}

// LoadTestConfig loads provider API keys from environment variables.
func LoadTestConfig() TestConfig {
	return TestConfig{
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
	}
}

// HasOpenRouter returns true if OpenRouter API key is configured.
func (c TestConfig) HasOpenRouter() bool {
	return c.OpenRouterAPIKey != ""
}

// HasOpenAI returns true if OpenAI API key is configured.
func (c TestConfig) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

// ToRegistryConfig converts test config to a RegistryConfig.
// Only includes providers that have API keys configured.
func (c TestConfig) ToRegistryConfig() RegistryConfig {
	cfg := RegistryConfig{Providers: make(map[string]LLMProviderConfig)}
	if c.HasOpenRouter() {
		cfg.Providers[OpenRouterName] = LLMProviderConfig{
			Type:      OpenRouterName,
			APIKey:    c.OpenRouterAPIKey,
			RateLimit: 60,
			Enabled:   true,
		}
	}
	if c.HasOpenAI() {
		cfg.Providers[OpenAIName] = LLMProviderConfig{
			Type:      OpenAIName,
			APIKey:    c.OpenAIAPIKey,
			RateLimit: 60,
			Enabled:   true,
		}
	}
	return cfg
}
