// Package deepseek implements the DeepSeek provider, grounded on the
// teacher's llm/providers/deepseek/provider.go: an OpenAI-compatible
// provider that swaps to the deepseek-reasoner model under thinking mode.
package deepseek

import (
	"time"

	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/providers/openaicompat"
	"github.com/marketflow/llmbroker/types"
	"go.uber.org/zap"
)

// Config is DeepSeek's provider configuration.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider implements providers.Client for DeepSeek.
type Provider struct {
	*openaicompat.Provider
}

// New creates a DeepSeek provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	pinnedModel := cfg.Model != ""
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "deepseek",
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "deepseek-chat",
			Timeout:       cfg.Timeout,
			EndpointPath:  "/chat/completions",
			RequestHook:   requestHook(pinnedModel),
		}, logger),
	}
}

// requestHook selects deepseek-reasoner when the broker request asked for
// thinking mode and the deployment did not pin a specific model.
func requestHook(pinnedModel bool) func(req *types.Request, body *providers.OpenAICompatRequest) {
	return func(req *types.Request, body *providers.OpenAICompatRequest) {
		if req.ThinkingMode && !pinnedModel {
			body.Model = "deepseek-reasoner"
		}
	}
}
