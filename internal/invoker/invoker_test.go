package invoker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/folio/internal/llmcall"
	"github.com/jackzampolin/folio/internal/metrics"
	"github.com/jackzampolin/folio/internal/prompt"
	"github.com/jackzampolin/folio/internal/providers"
)

func newInvoker(t *testing.T, client providers.ModelClient, calls *llmcall.Recorder) *Invoker {
	t.Helper()
	inv, err := New(Config{
		Client:         client,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Calls:          calls,
		Metrics:        metrics.NewRecorder(),
	})
	require.NoError(t, err)
	return inv
}

func payload() *prompt.Payload {
	return &prompt.Payload{
		System:      "system",
		User:        "user",
		Images:      [][]byte{[]byte("img")},
		ImageMIME:   []string{"image/png"},
		PageIndexes: []int{3},
		Hash:        "h",
		Attempt:     2,
	}
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestInvoke_Success(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = `{"ok":true}`
	calls := llmcall.NewRecorder(nil)
	inv := newInvoker(t, mock, calls)

	c, err := inv.Invoke(context.Background(), payload(), Sampling{Temperature: 0.1, MaxTokens: 100})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, c.Text)
	assert.Equal(t, []int{3}, c.PageIndexes)
	assert.Equal(t, 2, c.Attempt)
	assert.Equal(t, 0, c.Sample)
	assert.Equal(t, 1, c.TransportAttempts)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "system", reqs[0].System)
	require.Len(t, reqs[0].Images, 1)
	assert.Equal(t, "image/png", reqs[0].Images[0].MIMEType)
	assert.Equal(t, 1, reqs[0].TransportAttempt)

	recorded := calls.Calls()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Success)
	assert.Equal(t, "h", recorded[0].PromptHash)
}

func TestInvoke_RetriesTransientErrors(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Responses = []providers.MockResponse{
		{Err: &providers.TransientError{Message: "502"}},
		{Err: &providers.RateLimitError{Message: "slow down"}},
		{Text: "{}"},
	}
	inv := newInvoker(t, mock, nil)

	c, err := inv.Invoke(context.Background(), payload(), Sampling{})
	require.NoError(t, err)
	assert.Equal(t, 3, c.TransportAttempts)
	assert.EqualValues(t, 3, mock.RequestCount())

	reqs := mock.Requests()
	assert.Equal(t, []int{1, 2, 3}, []int{reqs[0].TransportAttempt, reqs[1].TransportAttempt, reqs[2].TransportAttempt})
}

func TestInvoke_Unavailable(t *testing.T) {
	t.Run("retry ceiling", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.Responses = []providers.MockResponse{{Err: &providers.TransientError{Message: "down"}}}
		calls := llmcall.NewRecorder(nil)
		inv := newInvoker(t, mock, calls)

		_, err := inv.Invoke(context.Background(), payload(), Sampling{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrModelUnavailable)

		var mu *ModelUnavailableError
		require.True(t, errors.As(err, &mu))
		assert.Equal(t, DefaultTransportRetries, mu.Attempts)
		assert.EqualValues(t, DefaultTransportRetries, mock.RequestCount())

		var te *providers.TransientError
		assert.True(t, errors.As(err, &te))

		recorded := calls.Calls()
		require.Len(t, recorded, 1)
		assert.False(t, recorded[0].Success)
		assert.Equal(t, DefaultTransportRetries, recorded[0].TransportAttempts)
	})

	t.Run("non-retryable returns immediately", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.Responses = []providers.MockResponse{{Err: &providers.APIError{Provider: "x", StatusCode: 401, Message: "bad key"}}}
		inv := newInvoker(t, mock, nil)

		_, err := inv.Invoke(context.Background(), payload(), Sampling{})
		assert.ErrorIs(t, err, ErrModelUnavailable)
		assert.EqualValues(t, 1, mock.RequestCount())
	})
}

func TestInvoke_Refusal(t *testing.T) {
	tests := []struct {
		name  string
		reply providers.MockResponse
	}{
		{"explicit refusal", providers.MockResponse{Refusal: "policy"}},
		{"content filter", providers.MockResponse{FinishReason: "content_filter"}},
		{"refusal text", providers.MockResponse{Text: "I'm sorry, but I can't help with that document."}},
		{"cannot text", providers.MockResponse{Text: "I cannot process this image."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := providers.NewMockClient()
			mock.Responses = []providers.MockResponse{tt.reply}
			inv := newInvoker(t, mock, nil)

			_, err := inv.Invoke(context.Background(), payload(), Sampling{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrModelRefusal)
			assert.EqualValues(t, 1, mock.RequestCount(), "refusals are not retried")
		})
	}

	t.Run("apology with json is not a refusal", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseText = "Sorry, I had to guess: {\"name\": null}"
		inv := newInvoker(t, mock, nil)
		_, err := inv.Invoke(context.Background(), payload(), Sampling{})
		assert.NoError(t, err)
	})
}

func TestInvoke_Cancelled(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Latency = time.Second
	inv := newInvoker(t, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := inv.Invoke(ctx, payload(), Sampling{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrModelUnavailable)
}

func TestInvokeK(t *testing.T) {
	mock := providers.NewMockClient()
	var mu sync.Mutex
	seen := map[int]bool{}
	mock.Handler = func(ctx context.Context, req *providers.Request, n int) (*providers.Completion, error) {
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		return &providers.Completion{Text: "{}", Provider: "mock"}, nil
	}
	inv := newInvoker(t, mock, nil)

	out, err := inv.InvokeK(context.Background(), payload(), Sampling{}, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)

	orders := map[int]bool{}
	for i, c := range out {
		assert.Equal(t, i, c.Sample)
		orders[c.Order] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, orders)
	assert.Len(t, seen, 3)
}

func TestInvokeK_FirstErrorWins(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Handler = func(ctx context.Context, req *providers.Request, n int) (*providers.Completion, error) {
		if n == 1 {
			return nil, &providers.APIError{Provider: "mock", StatusCode: 400, Message: "bad"}
		}
		select {
		case <-time.After(time.Second):
			return &providers.Completion{Text: "{}"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	inv := newInvoker(t, mock, nil)

	_, err := inv.InvokeK(context.Background(), payload(), Sampling{}, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestInvoke_RateLimiter(t *testing.T) {
	mock := providers.NewMockClient()
	limiter := providers.NewRateLimiter(2)
	inv, err := New(Config{Client: mock, Limiter: limiter, InitialBackoff: time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := inv.Invoke(context.Background(), payload(), Sampling{})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = inv.Invoke(ctx, payload(), Sampling{})
	require.Error(t, err)
	assert.EqualValues(t, 2, mock.RequestCount())
	assert.EqualValues(t, 2, limiter.Status().TotalConsumed)
}

func TestBackoff_HonoursRetryAfter(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Responses = []providers.MockResponse{
		{Err: &providers.RateLimitError{Message: "429", RetryAfter: 30 * time.Millisecond}},
		{Text: "{}"},
	}
	inv := newInvoker(t, mock, nil)

	start := time.Now()
	_, err := inv.Invoke(context.Background(), payload(), Sampling{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestDetectRefusal(t *testing.T) {
	assert.Nil(t, detectRefusal(&providers.Completion{Text: `{"a":1}`}))
	assert.Nil(t, detectRefusal(&providers.Completion{Text: "The document shows a resume."}))
	r := detectRefusal(&providers.Completion{Text: "I am unable to read this.\nMore text"})
	require.NotNil(t, r)
	assert.Equal(t, "I am unable to read this.", r.Reason)
}
