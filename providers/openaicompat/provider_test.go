package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Defaults(t *testing.T) {
	p := New(Config{ProviderName: "test"}, nil)
	assert.Equal(t, "/v1/chat/completions", p.Cfg.EndpointPath)
	assert.Equal(t, "/v1/models", p.Cfg.ModelsEndpoint)
	assert.Equal(t, "test", p.Name())
	assert.Equal(t, 30*time.Second, p.Client.Timeout)
}

func TestNew_CustomTimeoutAndEndpoint(t *testing.T) {
	p := New(Config{ProviderName: "t", Timeout: 5 * time.Second, EndpointPath: "/chat"}, nil)
	assert.Equal(t, 5*time.Second, p.Client.Timeout)
	assert.Equal(t, "/chat", p.Cfg.EndpointPath)
}

func TestComplete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body providers.OpenAICompatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fallback-model", body.Model)
		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{
			ID:    "1",
			Model: "fallback-model",
			Choices: []providers.OpenAICompatChoice{
				{Message: providers.OpenAICompatMessage{Role: "assistant", Content: "hello"}},
			},
			Usage: &providers.OpenAICompatUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		})
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "test", BaseURL: srv.URL, FallbackModel: "fallback-model"}, zap.NewNop())
	resp, err := p.Complete(&providers.RequestContext{
		Ctx:     context.Background(),
		Request: &types.Request{Prompt: "hi"},
		APIKey:  "sk-test",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 5, resp.TokenUsage.Total)
}

func TestComplete_MapsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "test", BaseURL: srv.URL, FallbackModel: "m"}, zap.NewNop())
	_, err := p.Complete(&providers.RequestContext{
		Ctx:     context.Background(),
		Request: &types.Request{Prompt: "hi"},
		APIKey:  "sk-test",
	})
	require.Error(t, err)
	te, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrRateLimited429, te.Code)
	assert.True(t, te.Retryable)
}

func TestStream_ParsesSSEChunksAndDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunk1, _ := json.Marshal(providers.OpenAICompatResponse{
			Choices: []providers.OpenAICompatChoice{{Delta: &providers.OpenAICompatDelta{Content: "Hel"}}},
		})
		chunk2, _ := json.Marshal(providers.OpenAICompatResponse{
			Choices: []providers.OpenAICompatChoice{{Delta: &providers.OpenAICompatDelta{Content: "lo"}}},
		})
		_, _ = w.Write([]byte("data: " + string(chunk1) + "\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: " + string(chunk2) + "\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "test", BaseURL: srv.URL, FallbackModel: "m"}, zap.NewNop())
	ch, err := p.Stream(&providers.RequestContext{
		Ctx:     context.Background(),
		Request: &types.Request{Prompt: "hi", Streaming: true},
		APIKey:  "sk-test",
	})
	require.NoError(t, err)

	var got string
	done := false
	for c := range ch {
		require.NoError(t, c.Err)
		got += c.ContentDelta
		if c.Done {
			done = true
		}
	}
	assert.Equal(t, "Hello", got)
	assert.True(t, done)
}

func TestHealthCheck_ReportsUnhealthyOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "test", BaseURL: srv.URL}, zap.NewNop())
	result, err := p.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.HealthUnhealthy, result.Status)
}

func TestHealthCheck_ReportsHealthyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "test", BaseURL: srv.URL}, zap.NewNop())
	result, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, result.Status)
}
