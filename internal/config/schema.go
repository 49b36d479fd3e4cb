package config

import (
	"fmt"
	"sort"
	"time"
)

// Config holds folio configuration.
// Read from ./config.yaml or $HOME/.folio/config.yaml.
type Config struct {
	LLMProviders map[string]LLMProviderCfg `mapstructure:"llm_providers" yaml:"llm_providers" json:"llm_providers"`
	Defaults     DefaultsCfg               `mapstructure:"defaults" yaml:"defaults" json:"defaults"`
}

// LLMProviderCfg configures a model provider.
type LLMProviderCfg struct {
	Type           string `mapstructure:"type" yaml:"type" json:"type"`                                  // "openrouter", "openai", "mock"
	Model          string `mapstructure:"model" yaml:"model" json:"model"`                               // Model name
	APIKey         string `mapstructure:"api_key" yaml:"api_key" json:"api_key"`                         // API key (supports ${ENV_VAR} syntax)
	BaseURL        string `mapstructure:"base_url" yaml:"base_url,omitempty" json:"base_url,omitempty"`  // Optional endpoint override
	RateLimit      int    `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`                // Requests per minute
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"` // HTTP timeout per request
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// DefaultsCfg holds pipeline defaults applied to every extraction.
type DefaultsCfg struct {
	LLMProvider       string  `mapstructure:"llm_provider" yaml:"llm_provider" json:"llm_provider"`
	Concurrency       int     `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	ConsistencyK      int     `mapstructure:"consistency_k" yaml:"consistency_k" json:"consistency_k"`
	MaxRepairAttempts int     `mapstructure:"max_repair_attempts" yaml:"max_repair_attempts" json:"max_repair_attempts"`
	TransportRetries  int     `mapstructure:"transport_retries" yaml:"transport_retries" json:"transport_retries"`
	InitialBackoff    string  `mapstructure:"initial_backoff" yaml:"initial_backoff" json:"initial_backoff"` // Go duration, e.g. "1s"
	Temperature       float64 `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	DPI               int     `mapstructure:"dpi" yaml:"dpi" json:"dpi"`
	MaxPages          int     `mapstructure:"max_pages" yaml:"max_pages" json:"max_pages"`
	MaxPayloadBytes   int     `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes" json:"max_payload_bytes"`
	VoteKeyPath       string  `mapstructure:"vote_key_path" yaml:"vote_key_path" json:"vote_key_path"`
	StructuredOutput  bool    `mapstructure:"structured_output" yaml:"structured_output" json:"structured_output"`
}

// Backoff parses InitialBackoff. An empty value yields zero.
func (d DefaultsCfg) Backoff() (time.Duration, error) {
	if d.InitialBackoff == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(d.InitialBackoff)
	if err != nil {
		return 0, fmt.Errorf("invalid defaults.initial_backoff %q: %w", d.InitialBackoff, err)
	}
	return dur, nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"openrouter": {
				Type:           "openrouter",
				Model:          "google/gemini-2.5-flash",
				APIKey:         "${OPENROUTER_API_KEY}",
				RateLimit:      150,
				TimeoutSeconds: 120,
				Enabled:        true,
			},
			"openai": {
				Type:           "openai",
				Model:          "gpt-4.1-mini",
				APIKey:         "${OPENAI_API_KEY}",
				RateLimit:      60,
				TimeoutSeconds: 120,
				Enabled:        true,
			},
		},
		Defaults: DefaultsCfg{
			LLMProvider:       "openrouter",
			Concurrency:       4,
			ConsistencyK:      1,
			MaxRepairAttempts: 3,
			TransportRetries:  3,
			InitialBackoff:    "1s",
			Temperature:       0,
			MaxTokens:         4096,
			DPI:               150,
			MaxPages:          20,
			MaxPayloadBytes:   20_000_000,
		},
	}
}

// GetLLMProvider returns an LLM provider config by name.
func (c *Config) GetLLMProvider(name string) (LLMProviderCfg, bool) {
	cfg, ok := c.LLMProviders[name]
	return cfg, ok
}

// EnabledLLMProviders returns all enabled LLM providers.
func (c *Config) EnabledLLMProviders() map[string]LLMProviderCfg {
	result := make(map[string]LLMProviderCfg)
	for name, cfg := range c.LLMProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// Validate checks values that would otherwise fail later at run time.
func (c *Config) Validate() error {
	d := c.Defaults
	if d.LLMProvider != "" {
		p, ok := c.LLMProviders[d.LLMProvider]
		if !ok {
			return fmt.Errorf("defaults.llm_provider %q is not configured (have %v)", d.LLMProvider, c.providerNames())
		}
		if !p.Enabled {
			return fmt.Errorf("defaults.llm_provider %q is disabled", d.LLMProvider)
		}
	}
	for _, check := range []struct {
		key string
		val int
	}{
		{"defaults.concurrency", d.Concurrency},
		{"defaults.consistency_k", d.ConsistencyK},
		{"defaults.max_repair_attempts", d.MaxRepairAttempts},
		{"defaults.transport_retries", d.TransportRetries},
		{"defaults.max_tokens", d.MaxTokens},
		{"defaults.dpi", d.DPI},
		{"defaults.max_pages", d.MaxPages},
		{"defaults.max_payload_bytes", d.MaxPayloadBytes},
	} {
		if check.val < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", check.key, check.val)
		}
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("defaults.temperature must be within [0, 2] (got %g)", d.Temperature)
	}
	if _, err := d.Backoff(); err != nil {
		return err
	}
	for name, p := range c.LLMProviders {
		if p.RateLimit < 0 {
			return fmt.Errorf("llm_providers.%s.rate_limit must not be negative", name)
		}
	}
	return nil
}

func (c *Config) providerNames() []string {
	names := make([]string, 0, len(c.LLMProviders))
	for name := range c.LLMProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
