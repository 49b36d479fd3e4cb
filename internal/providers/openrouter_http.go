package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// doRequest makes a single HTTP request to OpenRouter and classifies the
// outcome. Retries happen in the invoker.
func (c *OpenRouterClient) doRequest(ctx context.Context, path string, orReq *openRouterRequest) (*openRouterResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(orReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/jackzampolin/folio")
	req.Header.Set("X-Title", "Folio")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(OpenRouterName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(OpenRouterName, fmt.Errorf("failed to read response: %w", err))
	}

	if err := classifyStatus("OpenRouter", resp.StatusCode, string(respBody), resp.Header); err != nil {
		return nil, err
	}

	var orResp openRouterResponse
	if err := json.Unmarshal(respBody, &orResp); err != nil {
		return nil, &TransientError{Message: "failed to unmarshal OpenRouter response", Err: err}
	}

	if err := checkResponse(&orResp); err != nil {
		return nil, err
	}
	return &orResp, nil
}

// checkResponse classifies 200 OK responses that carry an error or no
// choices.
func checkResponse(resp *openRouterResponse) error {
	if resp.Error != nil {
		code := fmt.Sprintf("%v", resp.Error.Code)
		switch code {
		case "429", "rate_limit_exceeded":
			return &RateLimitError{Message: "OpenRouter rate limited: " + resp.Error.Message, StatusCode: http.StatusTooManyRequests}
		case "overloaded", "503", "502", "500":
			return &TransientError{Message: "OpenRouter API error (retryable): " + resp.Error.Message}
		}
		return &APIError{Provider: "OpenRouter", StatusCode: http.StatusOK, Message: fmt.Sprintf("%s (code %s)", resp.Error.Message, code)}
	}

	if len(resp.Choices) == 0 {
		return &TransientError{Message: fmt.Sprintf("empty choices in response (model=%s, id=%s)", resp.Model, resp.ID)}
	}
	return nil
}

// injectNonce adds a unique comment to the user text so a resent request
// does not hit a cached upstream failure.
func (c *OpenRouterClient) injectNonce(req *openRouterRequest, attempt int) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		comment := fmt.Sprintf("\n<!-- retry_%d_id: %s -->", attempt, uuid.New().String()[:16])

		switch content := req.Messages[i].Content.(type) {
		case string:
			req.Messages[i].Content = content + comment
		case []openRouterContent:
			for j := range content {
				if content[j].Type == "text" {
					content[j].Text += comment
					break
				}
			}
		}
		return
	}
}
