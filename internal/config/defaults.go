package config

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/spf13/viper"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

// Entry documents a single configuration key and its default.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns the default configuration entries.
// These are registered as viper defaults so every key can be overridden
// from the environment (FOLIO_DEFAULTS_CONCURRENCY=8).
func DefaultEntries() []Entry {
	d := DefaultConfig()

	// ===================
	// LLM Providers
	// ===================
	var entries []Entry
	for _, name := range d.providerNames() {
		p := d.LLMProviders[name]
		prefix := "llm_providers." + name + "."
		entries = append(entries,
			Entry{Key: prefix + "type", Value: p.Type, Description: fmt.Sprintf("Provider type for %s", name)},
			Entry{Key: prefix + "model", Value: p.Model, Description: fmt.Sprintf("Default model for %s", name)},
			Entry{Key: prefix + "api_key", Value: p.APIKey, Description: fmt.Sprintf("%s API key (uses environment variable)", name)},
			Entry{Key: prefix + "rate_limit", Value: p.RateLimit, Description: "Rate limit in requests per minute"},
			Entry{Key: prefix + "timeout_seconds", Value: p.TimeoutSeconds, Description: "HTTP timeout in seconds per request"},
			Entry{Key: prefix + "enabled", Value: p.Enabled, Description: fmt.Sprintf("Whether the %s provider is enabled", name)},
		)
	}

	// ===================
	// Pipeline Defaults
	// ===================
	return append(entries,
		Entry{Key: "defaults.llm_provider", Value: d.Defaults.LLMProvider, Description: "Provider used for extraction"},
		Entry{Key: "defaults.concurrency", Value: d.Defaults.Concurrency, Description: "Maximum pages extracted in parallel"},
		Entry{Key: "defaults.consistency_k", Value: d.Defaults.ConsistencyK, Description: "Samples per attempt for consistency voting"},
		Entry{Key: "defaults.max_repair_attempts", Value: d.Defaults.MaxRepairAttempts, Description: "Total attempts per page, including the first"},
		Entry{Key: "defaults.transport_retries", Value: d.Defaults.TransportRetries, Description: "Total sends per model request on transient errors"},
		Entry{Key: "defaults.initial_backoff", Value: d.Defaults.InitialBackoff, Description: "First transport retry delay (doubles per retry)"},
		Entry{Key: "defaults.temperature", Value: d.Defaults.Temperature, Description: "Sampling temperature (0.7 is used when consistency_k > 1 and this is 0)"},
		Entry{Key: "defaults.max_tokens", Value: d.Defaults.MaxTokens, Description: "Maximum output tokens per model call"},
		Entry{Key: "defaults.dpi", Value: d.Defaults.DPI, Description: "PDF rasterization resolution"},
		Entry{Key: "defaults.max_pages", Value: d.Defaults.MaxPages, Description: "Pages loaded when no selection is given"},
		Entry{Key: "defaults.max_payload_bytes", Value: d.Defaults.MaxPayloadBytes, Description: "Maximum request size with images base64-encoded"},
		Entry{Key: "defaults.vote_key_path", Value: d.Defaults.VoteKeyPath, Description: "Dot path compared when voting (empty compares whole values)"},
		Entry{Key: "defaults.structured_output", Value: d.Defaults.StructuredOutput, Description: "Send the schema to providers that support constrained output"},
	)
}

// SeedDefaults registers every default entry on v.
func SeedDefaults(v *viper.Viper) {
	for _, entry := range DefaultEntries() {
		v.SetDefault(entry.Key, entry.Value)
	}
}

// GetDefault returns the default entry for a config key.
// Returns nil if no default exists for the key.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots, underscores, and hyphens.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	if key[0] == '.' || key[len(key)-1] == '.' {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}

// DefaultValue returns the default value for a config key.
// Returns ErrNoDefault if no default exists for the key.
func DefaultValue(key string) (any, error) {
	def := GetDefault(key)
	if def == nil {
		return nil, fmt.Errorf("%w for key %q", ErrNoDefault, key)
	}
	return def.Value, nil
}
