package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/google/uuid"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gpt-4.1-mini"
)

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	BaseURL      string       // Optional (tests)
	HTTPClient   *http.Client // Optional (tests)
}

// OpenAIClient implements ModelClient using the official OpenAI SDK and the
// Responses API.
type OpenAIClient struct {
	apiKey       string
	defaultModel string
	client       openai.Client
}

// NewOpenAIClient creates a new OpenAI client. SDK retries are disabled;
// the invoker owns retry policy.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openAIDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Model returns the default model.
func (c *OpenAIClient) Model() string {
	return c.defaultModel
}

// Complete sends one Responses API request with the page images as input
// images.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
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

	content := responses.ResponseInputMessageContentListParam{
		responses.ResponseInputContentParamOfInputText(req.User),
	}
	for _, img := range req.Images {
		mimeType := img.MIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		content = append(content, responses.ResponseInputContentUnionParam{
			OfInputImage: &responses.ResponseInputImageParam{
				ImageURL: openai.String("data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)),
				Detail:   responses.ResponseInputImageDetailHigh,
			},
		})
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam{
				responses.ResponseInputItemParamOfMessage(content, "user"),
			},
		},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.JSONSchema) > 0 {
		var schemaMap map[string]any
		if err := json.Unmarshal(req.JSONSchema, &schemaMap); err != nil {
			return nil, fmt.Errorf("failed to decode response schema: %w", err)
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigParamOfJSONSchema(schemaName(req.SchemaName), schemaMap),
		}
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(ctx, err)
	}

	completion := &Completion{
		Text:             resp.OutputText(),
		FinishReason:     string(resp.Status),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		ReasoningTokens:  int(resp.Usage.OutputTokensDetails.ReasoningTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
		Latency:          time.Since(start),
		Provider:         OpenAIName,
		Model:            string(resp.Model),
		RequestID:        requestID,
	}
	if reason := string(resp.IncompleteDetails.Reason); reason != "" {
		completion.FinishReason = reason
	}
	for _, item := range resp.Output {
		for _, part := range item.Content {
			if part.Type == "refusal" && part.Refusal != "" {
				completion.Refusal = part.Refusal
			}
		}
	}
	return completion, nil
}

// mapOpenAIError converts SDK errors into the package's retry taxonomy.
func mapOpenAIError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		if shouldRetryStatus(apiErr.StatusCode) {
			return &TransientError{
				Message:    fmt.Sprintf("OpenAI error (status %d): %s", apiErr.StatusCode, apiErr.Message),
				StatusCode: apiErr.StatusCode,
				Err:        err,
			}
		}
		return &APIError{Provider: "OpenAI", StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	return classifyTransport(OpenAIName, err)
}

var _ ModelClient = (*OpenAIClient)(nil)
