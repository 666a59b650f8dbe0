package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete_ParsesOllamaEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(chatResponse{
			Model:           "llama3",
			Message:         chatMessage{Role: "assistant", Content: "hi there"},
			Done:            true,
			PromptEvalCount: 4,
			EvalCount:       6,
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, nil)
	resp, err := p.Complete(&providers.RequestContext{
		Ctx:     context.Background(),
		Request: &types.Request{Prompt: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 10, resp.TokenUsage.Total)
}

func TestStream_ParsesNDJSONLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		_ = enc.Encode(chatResponse{Message: chatMessage{Content: "Hel"}})
		flusher.Flush()
		_ = enc.Encode(chatResponse{Message: chatMessage{Content: "lo"}})
		flusher.Flush()
		_ = enc.Encode(chatResponse{Done: true})
		flusher.Flush()
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, nil)
	ch, err := p.Stream(&providers.RequestContext{
		Ctx:     context.Background(),
		Request: &types.Request{Prompt: "hello", Streaming: true},
	})
	require.NoError(t, err)

	var got string
	sawDone := false
	for c := range ch {
		require.NoError(t, c.Err)
		got += c.ContentDelta
		if c.Done {
			sawDone = true
		}
	}
	assert.Equal(t, "Hello", got)
	assert.True(t, sawDone)
}

func TestHealthCheck_UnhealthyWhenUnreachable(t *testing.T) {
	p := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	result, err := p.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.HealthUnhealthy, result.Status)
}
