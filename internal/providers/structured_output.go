package providers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var schemaNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// adaptedResponseFormat wraps a JSON Schema into an OpenAI-style
// response_format, applying model-specific compatibility shims. The schema
// used for local validation is never modified.
func adaptedResponseFormat(model, name string, schemaRaw json.RawMessage) (*openRouterResponseFormat, error) {
	// OpenRouter may route anthropic/* models to backends that reject
	// structured output parameters; rely on the prompt and local validation.
	if isAnthropicModel(model) {
		return nil, nil
	}

	adapted, err := sanitizeStructuredSchemaForModel(model, schemaRaw)
	if err != nil {
		return nil, err
	}

	wrapper, err := json.Marshal(map[string]any{
		"name":   schemaName(name),
		"strict": false,
		"schema": json.RawMessage(adapted),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response format: %w", err)
	}

	return &openRouterResponseFormat{
		Type:       "json_schema",
		JSONSchema: wrapper,
	}, nil
}

// schemaName returns a provider-safe schema name.
func schemaName(name string) string {
	name = schemaNamePattern.ReplaceAllString(strings.TrimSpace(name), "_")
	if name == "" {
		return "extraction"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// sanitizeStructuredSchemaForModel applies provider/model-specific schema
// compatibility shims. Current: Gemini models via OpenRouter reject integer
// minimum/maximum bounds in output schemas.
func sanitizeStructuredSchemaForModel(model string, schemaRaw json.RawMessage) (json.RawMessage, error) {
	if len(schemaRaw) == 0 {
		return schemaRaw, nil
	}
	if !isGeminiModel(model) {
		return schemaRaw, nil
	}

	var root any
	if err := json.Unmarshal(schemaRaw, &root); err != nil {
		return nil, fmt.Errorf("failed to parse structured schema: %w", err)
	}

	stripIntegerBounds(root)

	sanitized, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize sanitized structured schema: %w", err)
	}
	return sanitized, nil
}

func isAnthropicModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "anthropic/")
}

func isGeminiModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "google/gemini")
}

func stripIntegerBounds(node any) {
	switch n := node.(type) {
	case map[string]any:
		if schemaTypeIncludesInteger(n["type"]) {
			delete(n, "minimum")
			delete(n, "maximum")
			delete(n, "exclusiveMinimum")
			delete(n, "exclusiveMaximum")
		}
		for _, v := range n {
			stripIntegerBounds(v)
		}
	case []any:
		for _, v := range n {
			stripIntegerBounds(v)
		}
	}
}

func schemaTypeIncludesInteger(typeVal any) bool {
	switch t := typeVal.(type) {
	case string:
		return t == "integer"
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s == "integer" {
				return true
			}
		}
	}
	return false
}
