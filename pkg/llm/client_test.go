package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/models"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(Config{
		APIKey:       "test-key",
		BaseURL:      baseURL,
		ModelEconomy: "economy-model",
		ModelDeep:    "deep-model",
	})
	c.backoff = time.Millisecond // keep retry tests fast
	return c
}

func completionBody(content string, input, output int64) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     input,
			"completion_tokens": output,
			"total_tokens":      input + output,
		},
	}
	raw, _ := json.Marshal(resp)
	return string(raw)
}

func TestChat_Success(t *testing.T) {
	var captured chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(completionBody("the answer", 120, 250)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Mode:        models.ModeQuick,
		System:      "you are a researcher",
		User:        "what is raft",
		MaxTokens:   800,
		Temperature: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Content)
	assert.Equal(t, models.TokenUsage{Input: 120, Output: 250, Total: 370}, resp.Tokens)

	assert.Equal(t, "economy-model", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "what is raft", captured.Messages[1].Content)
	assert.Equal(t, 800, captured.MaxTokens)
	assert.InDelta(t, 0.7, captured.Temperature, 1e-9)
	assert.Nil(t, captured.ResponseFormat)
}

func TestChat_DeepModeUsesPremiumModelAndJSONMode(t *testing.T) {
	var captured chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(completionBody(`{"coreQuestion":"q"}`, 50, 80)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Mode: models.ModeDeep, JSONMode: true})
	require.NoError(t, err)

	assert.Equal(t, "deep-model", captured.Model)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestChat_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(completionBody("recovered", 10, 20)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{Mode: models.ModeStandard})
	require.NoError(t, err)

	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChat_RetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		w.Write([]byte(completionBody("ok", 5, 5)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{Mode: models.ModeQuick})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChat_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Mode: models.ModeQuick})
	require.Error(t, err)

	assert.Equal(t, int32(maxAttempts), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestChat_AuthFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Mode: models.ModeQuick})
	require.Error(t, err)

	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "invalid api key")
}

func TestChat_BadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Mode: models.ModeDeep})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChat_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel() // client goes away while the provider is failing
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(ctx, ChatRequest{Mode: models.ModeQuick})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChat_MissingAPIKey(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://localhost:0"})

	_, err := c.Chat(context.Background(), ChatRequest{Mode: models.ModeQuick})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestChat_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[],"usage":{}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Mode: models.ModeQuick})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestModelForMode(t *testing.T) {
	c := newTestClient("http://localhost:0")

	assert.Equal(t, "economy-model", c.ModelForMode(models.ModeQuick))
	assert.Equal(t, "economy-model", c.ModelForMode(models.ModeStandard))
	assert.Equal(t, "deep-model", c.ModelForMode(models.ModeDeep))
}

func TestAttemptTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, attemptTimeout(models.ModeQuick))
	assert.Equal(t, 45*time.Second, attemptTimeout(models.ModeStandard))
	assert.Equal(t, 60*time.Second, attemptTimeout(models.ModeDeep))
}

func TestBackoffDelay_Caps(t *testing.T) {
	c := NewClient(Config{APIKey: "k"})

	assert.Equal(t, 1*time.Second, c.backoffDelay(1))
	assert.Equal(t, 2*time.Second, c.backoffDelay(2))
	assert.Equal(t, 4*time.Second, c.backoffDelay(3))
	assert.Equal(t, 8*time.Second, c.backoffDelay(4))
	assert.Equal(t, 8*time.Second, c.backoffDelay(5))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &APIError{StatusCode: 500}, true},
		{"bad gateway", &APIError{StatusCode: 502}, true},
		{"request timeout", &APIError{StatusCode: 408}, true},
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"forbidden", &APIError{StatusCode: 403}, false},
		{"not found", &APIError{StatusCode: 404}, false},
		{"not configured", ErrNotConfigured, false},
		{"transport", errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}
