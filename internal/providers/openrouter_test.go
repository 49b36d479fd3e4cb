package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":    "test-id",
		"model": "google/gemini-2.5-flash",
		"choices": []map[string]any{
			{
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
			"cost":              0.0004,
		},
	}
}

func TestOpenRouterClient_Complete(t *testing.T) {
	t.Run("successful completion", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Method != http.MethodPost {
				t.Errorf("unexpected method: %s", r.Method)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("unexpected authorization: %s", auth)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(chatResponse(`{"name":"Ada"}`))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "test-key", BaseURL: server.URL})

		result, err := client.Complete(context.Background(), &Request{System: "sys", User: "extract"})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if result.Text != `{"name":"Ada"}` {
			t.Errorf("Text = %q", result.Text)
		}
		if result.TotalTokens != 18 {
			t.Errorf("TotalTokens = %d, want 18", result.TotalTokens)
		}
		if result.CostUSD != 0.0004 {
			t.Errorf("CostUSD = %v, want 0.0004", result.CostUSD)
		}
		if result.Provider != OpenRouterName {
			t.Errorf("Provider = %q", result.Provider)
		}
		if result.RequestID == "" {
			t.Error("expected generated request id")
		}
	})

	t.Run("images and response format", func(t *testing.T) {
		var received openRouterRequest
		var rawContent []openRouterContent
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				openRouterRequest
				Messages []struct {
					Role    string          `json:"role"`
					Content json.RawMessage `json:"content"`
				} `json:"messages"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			received = body.openRouterRequest
			for _, m := range body.Messages {
				if m.Role == "user" {
					json.Unmarshal(m.Content, &rawContent)
				}
			}
			json.NewEncoder(w).Encode(chatResponse("{}"))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		_, err := client.Complete(context.Background(), &Request{
			User:       "what is on this page?",
			Images:     []Image{{Data: []byte("png-bytes"), MIMEType: "image/png"}},
			Model:      "openai/gpt-4.1",
			JSONSchema: json.RawMessage(`{"type":"object"}`),
			SchemaName: "Resume",
		})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}

		if received.Model != "openai/gpt-4.1" {
			t.Errorf("Model = %q", received.Model)
		}
		if len(rawContent) != 2 {
			t.Fatalf("expected text and image parts, got %d", len(rawContent))
		}
		if rawContent[0].Type != "text" || rawContent[1].Type != "image_url" {
			t.Errorf("unexpected part types: %+v", rawContent)
		}
		if !strings.HasPrefix(rawContent[1].ImageURL.URL, "data:image/png;base64,") {
			t.Errorf("image url = %q", rawContent[1].ImageURL.URL)
		}
		if received.ResponseFormat == nil || received.ResponseFormat.Type != "json_schema" {
			t.Fatalf("expected json_schema response format, got %+v", received.ResponseFormat)
		}
		if !strings.Contains(string(received.ResponseFormat.JSONSchema), `"name":"Resume"`) {
			t.Errorf("response format = %s", received.ResponseFormat.JSONSchema)
		}
	})

	t.Run("nonce on transport retry", func(t *testing.T) {
		var user string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Messages []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			user = req.Messages[len(req.Messages)-1].Content
			json.NewEncoder(w).Encode(chatResponse("{}"))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		if _, err := client.Complete(context.Background(), &Request{User: "hello", TransportAttempt: 2}); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if !strings.HasPrefix(user, "hello\n<!-- retry_2_id: ") {
			t.Errorf("user content = %q", user)
		}
	})

	t.Run("refusal is surfaced", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := chatResponse("")
			resp["choices"] = []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": nil, "refusal": "cannot help"},
				"finish_reason": "stop",
			}}
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		result, err := client.Complete(context.Background(), &Request{User: "x"})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if !result.Refused() || result.Refusal != "cannot help" {
			t.Errorf("expected refusal, got %+v", result)
		}
	})
}

func TestOpenRouterClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    map[string]string
		retryable bool
		check     func(t *testing.T, err error)
	}{
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"message":"slow down"}}`,
			header:    map[string]string{"Retry-After": "7"},
			retryable: true,
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("expected RateLimitError, got %T", err)
				}
				if rl.RetryAfter != 7*time.Second {
					t.Errorf("RetryAfter = %v", rl.RetryAfter)
				}
			},
		},
		{
			name:      "server error",
			status:    http.StatusBadGateway,
			body:      "bad gateway",
			retryable: true,
			check: func(t *testing.T, err error) {
				var te *TransientError
				if !errors.As(err, &te) {
					t.Fatalf("expected TransientError, got %T", err)
				}
			},
		},
		{
			name:      "bad request",
			status:    http.StatusBadRequest,
			body:      `{"error":"bad"}`,
			retryable: false,
			check: func(t *testing.T, err error) {
				var ae *APIError
				if !errors.As(err, &ae) {
					t.Fatalf("expected APIError, got %T", err)
				}
				if ae.StatusCode != http.StatusBadRequest {
					t.Errorf("StatusCode = %d", ae.StatusCode)
				}
			},
		},
		{
			name:      "error in ok body",
			status:    http.StatusOK,
			body:      `{"error":{"message":"overloaded","code":"overloaded"}}`,
			retryable: true,
		},
		{
			name:      "empty choices",
			status:    http.StatusOK,
			body:      `{"id":"x","choices":[]}`,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
			_, err := client.Complete(context.Background(), &Request{User: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v (err=%v)", got, tt.retryable, err)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestOpenRouterClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(chatResponse("{}"))
	}))
	defer server.Close()

	client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, &Request{User: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("cancellation must not be retryable")
	}
}

func TestOpenRouterClient_Integration(t *testing.T) {
	cfg := LoadTestConfig()
	if !cfg.HasOpenRouter() {
		t.Skip("OPENROUTER_API_KEY not set")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := NewOpenRouterClient(OpenRouterConfig{APIKey: cfg.OpenRouterAPIKey})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := client.Complete(ctx, &Request{
		System:     "Answer with JSON only.",
		User:       `Return {"ok": true}`,
		JSONSchema: json.RawMessage(`{"type":"object","properties":{"ok":{"type":"boolean"}},"required":["ok"]}`),
		SchemaName: "ok",
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !strings.Contains(result.Text, "ok") {
		t.Errorf("unexpected text %q", result.Text)
	}
}
