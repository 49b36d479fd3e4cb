package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	OpenRouterName    = "openrouter"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenRouterConfig holds configuration for the OpenRouter client.
type OpenRouterConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	HTTPClient   *http.Client // Optional (tests)
}

// OpenRouterClient implements ModelClient using the OpenRouter chat
// completions API.
type OpenRouterClient struct {
	apiKey       string
	baseURL      string
	defaultModel string
	timeout      time.Duration
	client       *http.Client
}

// NewOpenRouterClient creates a new OpenRouter client.
func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "google/gemini-2.5-flash"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OpenRouterClient{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		timeout:      cfg.Timeout,
		client:       httpClient,
	}
}

// Name returns the client identifier.
func (c *OpenRouterClient) Name() string {
	return OpenRouterName
}

// Model returns the default model.
func (c *OpenRouterClient) Model() string {
	return c.defaultModel
}

// Complete sends one chat completion request with the page images attached
// to the user message.
func (c *OpenRouterClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	orReq := openRouterRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Usage:       &openRouterUsageRequest{Include: true},
	}
	if req.System != "" {
		orReq.Messages = append(orReq.Messages, openRouterMessage{Role: "system", Content: req.System})
	}

	user := openRouterMessage{Role: "user"}
	if len(req.Images) > 0 {
		content := []openRouterContent{{Type: "text", Text: req.User}}
		for _, img := range req.Images {
			mimeType := img.MIMEType
			if mimeType == "" {
				mimeType = "image/png"
			}
			content = append(content, openRouterContent{
				Type: "image_url",
				ImageURL: &openRouterImageURL{
					URL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
		user.Content = content
	} else {
		user.Content = req.User
	}
	orReq.Messages = append(orReq.Messages, user)

	if len(req.JSONSchema) > 0 {
		rf, err := adaptedResponseFormat(model, req.SchemaName, req.JSONSchema)
		if err != nil {
			return nil, err
		}
		orReq.ResponseFormat = rf
	}

	if req.TransportAttempt > 1 {
		c.injectNonce(&orReq, req.TransportAttempt)
	}

	orResp, err := c.doRequest(ctx, "/chat/completions", &orReq)
	if err != nil {
		return nil, err
	}

	choice := orResp.Choices[0]
	content, err := messageText(choice.Message.Content)
	if err != nil {
		return nil, err
	}

	return &Completion{
		Text:             content,
		FinishReason:     choice.FinishReason,
		Refusal:          choice.Message.Refusal,
		PromptTokens:     orResp.Usage.PromptTokens,
		CompletionTokens: orResp.Usage.CompletionTokens,
		ReasoningTokens:  orResp.Usage.CompletionTokensDetails.ReasoningTokens,
		TotalTokens:      orResp.Usage.TotalTokens,
		CostUSD:          orResp.Usage.Cost,
		Latency:          time.Since(start),
		Provider:         OpenRouterName,
		Model:            orResp.Model,
		RequestID:        requestID,
	}, nil
}

// messageText flattens string or multipart assistant content.
func messageText(content any) (string, error) {
	switch c := content.(type) {
	case nil:
		return "", nil
	case string:
		return c, nil
	case []any:
		var text string
		for _, part := range c {
			if m, ok := part.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					text += s
				}
			}
		}
		return text, nil
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return "", fmt.Errorf("failed to marshal content: %w", err)
		}
		return string(b), nil
	}
}

// Verify interface
var _ ModelClient = (*OpenRouterClient)(nil)
