package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockResponse is one scripted reply.
type MockResponse struct {
	Text         string
	Err          error
	FinishReason string
	Refusal      string
	Delay        time.Duration
}

// MockClient is a ModelClient for testing. Replies come from Handler when
// set, otherwise from Responses in order (the last one repeats), otherwise
// ResponseText.
type MockClient struct {
	ModelName    string
	Latency      time.Duration
	ResponseText string
	Responses    []MockResponse

	// Handler receives the 1-based request number.
	Handler func(ctx context.Context, req *Request, n int) (*Completion, error)

	mu           sync.Mutex
	requests     []Request
	requestCount atomic.Int64
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ModelName:    "mock-model",
		ResponseText: "{}",
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// Model returns the configured model name.
func (c *MockClient) Model() string {
	return c.ModelName
}

// Complete returns the next scripted reply.
func (c *MockClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	start := time.Now()
	n := int(c.requestCount.Add(1))

	c.mu.Lock()
	c.requests = append(c.requests, *req)
	c.mu.Unlock()

	if c.Handler != nil {
		return c.Handler(ctx, req, n)
	}

	reply := MockResponse{Text: c.ResponseText, Delay: c.Latency}
	if len(c.Responses) > 0 {
		idx := n - 1
		if idx >= len(c.Responses) {
			idx = len(c.Responses) - 1
		}
		reply = c.Responses[idx]
	}

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if reply.Err != nil {
		return nil, reply.Err
	}

	finish := reply.FinishReason
	if finish == "" {
		finish = "stop"
	}
	promptTokens := len(req.System)/4 + len(req.User)/4
	completionTokens := len(reply.Text) / 4
	model := req.Model
	if model == "" {
		model = c.ModelName
	}

	return &Completion{
		Text:             reply.Text,
		FinishReason:     finish,
		Refusal:          reply.Refusal,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Latency:          time.Since(start),
		Provider:         MockClientName,
		Model:            model,
		RequestID:        fmt.Sprintf("mock-%d", n),
	}, nil
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// Requests returns copies of the requests received so far.
func (c *MockClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Reset clears the request counter and history.
func (c *MockClient) Reset() {
	c.mu.Lock()
	c.requests = nil
	c.mu.Unlock()
	c.requestCount.Store(0)
}

// Verify interface
var _ ModelClient = (*MockClient)(nil)
