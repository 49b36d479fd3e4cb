package providers

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSanitizeStructuredSchemaForModel_GeminiRemovesIntegerBounds(t *testing.T) {
	raw := json.RawMessage(`{
		"type":"object",
		"properties":{
			"level":{"type":"integer","minimum":1,"maximum":3},
			"confidence":{"type":"number","minimum":0.5,"maximum":1.0}
		},
		"required":["level"]
	}`)

	got, err := sanitizeStructuredSchemaForModel("google/gemini-2.5-flash", raw)
	if err != nil {
		t.Fatalf("sanitizeStructuredSchemaForModel() error = %v", err)
	}

	if strings.Contains(string(got), `"minimum":1,`) || strings.Contains(string(got), `"maximum":3`) {
		t.Fatalf("integer minimum/maximum should be removed, got: %s", string(got))
	}
	if !strings.Contains(string(got), `"minimum":0.5`) {
		t.Fatalf("number minimum should remain, got: %s", string(got))
	}
}

func TestSanitizeStructuredSchemaForModel_OtherModelsUnchanged(t *testing.T) {
	raw := json.RawMessage(`{"type":"object","properties":{"x":{"type":"integer","minimum":1}}}`)
	got, err := sanitizeStructuredSchemaForModel("openai/gpt-4.1", raw)
	if err != nil {
		t.Fatalf("sanitizeStructuredSchemaForModel() error = %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("schema should be unchanged, got: %s", string(got))
	}
}

func TestAdaptedResponseFormat(t *testing.T) {
	t.Run("anthropic skips response format", func(t *testing.T) {
		rf, err := adaptedResponseFormat("anthropic/claude-sonnet-4", "x", json.RawMessage(`{"type":"object"}`))
		if err != nil {
			t.Fatalf("adaptedResponseFormat() error = %v", err)
		}
		if rf != nil {
			t.Fatalf("expected nil response format, got %+v", rf)
		}
	})

	t.Run("wraps schema", func(t *testing.T) {
		rf, err := adaptedResponseFormat("openai/gpt-4.1", "my schema!", json.RawMessage(`{"type":"object"}`))
		if err != nil {
			t.Fatalf("adaptedResponseFormat() error = %v", err)
		}
		var wrapper struct {
			Name   string          `json:"name"`
			Strict bool            `json:"strict"`
			Schema json.RawMessage `json:"schema"`
		}
		if err := json.Unmarshal(rf.JSONSchema, &wrapper); err != nil {
			t.Fatalf("unmarshal wrapper: %v", err)
		}
		if wrapper.Name != "my_schema_" {
			t.Errorf("Name = %q", wrapper.Name)
		}
		if wrapper.Strict {
			t.Error("strict should be false")
		}
		if string(wrapper.Schema) != `{"type":"object"}` {
			t.Errorf("Schema = %s", wrapper.Schema)
		}
	})

	t.Run("invalid schema json", func(t *testing.T) {
		if _, err := adaptedResponseFormat("google/gemini-2.5-pro", "x", json.RawMessage(`{`)); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSchemaName(t *testing.T) {
	tests := map[string]string{
		"":              "extraction",
		"Resume":        "Resume",
		" resume pages": "resume_pages",
		"a.b/c":         "a_b_c",
	}
	for in, want := range tests {
		if got := schemaName(in); got != want {
			t.Errorf("schemaName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := schemaName(strings.Repeat("x", 100)); len(got) != 64 {
		t.Errorf("long name length = %d, want 64", len(got))
	}
}
