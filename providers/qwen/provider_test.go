package qwen

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
	"go.uber.org/zap"
)

func TestNew_DefaultsBaseURLAndFallbackModel(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, "https://dashscope.aliyuncs.com", p.Cfg.BaseURL)
	assert.Equal(t, "qwen3-235b-a22b", p.Cfg.FallbackModel)
	assert.Equal(t, "qwen", p.Name())
}

func TestThinkingMode_SetsEnableThinkingAndBudget(t *testing.T) {
	var got providers.OpenAICompatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{
			Choices: []providers.OpenAICompatChoice{{Message: providers.OpenAICompatMessage{
				Content:          "answer",
				ReasoningContent: "because...",
			}}},
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	resp, err := p.Complete(&providers.RequestContext{
		Ctx:     context.Background(),
		Request: &types.Request{Prompt: "solve this", ThinkingMode: true},
		APIKey:  "k",
	})
	require.NoError(t, err)
	require.NotNil(t, got.EnableThinking)
	assert.True(t, *got.EnableThinking)
	assert.Equal(t, defaultThinkingBudget, got.ThinkingBudget)
	assert.Equal(t, "because...", resp.ReasoningContent)
}

func TestNonThinkingMode_OmitsThinkingFields(t *testing.T) {
	var got providers.OpenAICompatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(providers.OpenAICompatResponse{})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Complete(&providers.RequestContext{
		Ctx:     context.Background(),
		Request: &types.Request{Prompt: "hi"},
		APIKey:  "k",
	})
	require.NoError(t, err)
	assert.Nil(t, got.EnableThinking)
}
