package config

import (
	"errors"
	"reflect"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaultEntries(t *testing.T) {
	entries := DefaultEntries()

	if len(entries) == 0 {
		t.Fatal("DefaultEntries() returned empty slice")
	}

	requiredKeys := []string{
		"llm_providers.openrouter.type",
		"llm_providers.openrouter.api_key",
		"llm_providers.openrouter.rate_limit",
		"llm_providers.openai.enabled",
		"defaults.llm_provider",
		"defaults.concurrency",
		"defaults.consistency_k",
		"defaults.max_repair_attempts",
		"defaults.transport_retries",
		"defaults.initial_backoff",
		"defaults.temperature",
		"defaults.max_tokens",
		"defaults.dpi",
		"defaults.max_pages",
		"defaults.max_payload_bytes",
		"defaults.vote_key_path",
	}

	keys := make(map[string]bool)
	for _, e := range entries {
		if err := ValidateKey(e.Key); err != nil {
			t.Errorf("default key %q is invalid: %v", e.Key, err)
		}
		if keys[e.Key] {
			t.Errorf("duplicate default key %q", e.Key)
		}
		keys[e.Key] = true
	}

	for _, key := range requiredKeys {
		if !keys[key] {
			t.Errorf("DefaultEntries() missing required key: %s", key)
		}
	}
}

func TestSeedDefaults_MatchesDefaultConfig(t *testing.T) {
	v := viper.New()
	SeedDefaults(v)

	var got Config
	if err := v.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	want := DefaultConfig()
	if !reflect.DeepEqual(&got, want) {
		t.Errorf("seeded defaults differ from DefaultConfig()\n got: %+v\nwant: %+v", got, *want)
	}
}

func TestGetDefault(t *testing.T) {
	t.Run("existing_key", func(t *testing.T) {
		entry := GetDefault("llm_providers.openrouter.type")
		if entry == nil {
			t.Fatal("GetDefault() returned nil for existing key")
		}
		if entry.Value != "openrouter" {
			t.Errorf("GetDefault() Value = %v, want %q", entry.Value, "openrouter")
		}
	})

	t.Run("non_existent_key", func(t *testing.T) {
		entry := GetDefault("does.not.exist")
		if entry != nil {
			t.Errorf("GetDefault() = %v, want nil for non-existent key", entry)
		}
	})
}

func TestDefaultValue(t *testing.T) {
	v, err := DefaultValue("defaults.max_repair_attempts")
	if err != nil {
		t.Fatalf("DefaultValue() error = %v", err)
	}
	if v != 3 {
		t.Errorf("DefaultValue() = %v, want 3", v)
	}

	_, err = DefaultValue("does.not.exist")
	if !errors.Is(err, ErrNoDefault) {
		t.Errorf("DefaultValue() error should wrap ErrNoDefault, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"defaults.concurrency", false},
		{"llm_providers.open-router.api_key", false},
		{"", true},
		{".leading", true},
		{"trailing.", true},
		{"has space", true},
		{"semi;colon", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("ValidateKey(%q) error should wrap ErrInvalidKey", tt.key)
			}
		})
	}
}
