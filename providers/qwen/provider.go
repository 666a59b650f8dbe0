// Package qwen implements Alibaba's Qwen provider over DashScope's
// OpenAI-compatible endpoint, grounded on the teacher's
// llm/providers/qwen/provider.go. Unlike the teacher, this adds the
// enable_thinking/thinking_budget request fields and reasoning_content
// response surfacing the spec's thinking-mode requirement supplements —
// the teacher's Qwen provider never exercised ReasoningMode.
package qwen

import (
	"time"

	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/providers/openaicompat"
	"github.com/marketflow/llmbroker/types"
	"go.uber.org/zap"
)

// defaultThinkingBudget bounds how many tokens Qwen may spend in its
// internal reasoning trace before answering.
const defaultThinkingBudget = 4000

// Config is Qwen's provider configuration.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider implements providers.Client for Qwen.
type Provider struct {
	*openaicompat.Provider
}

// New creates a Qwen provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "qwen",
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "qwen3-235b-a22b",
			Timeout:       cfg.Timeout,
			EndpointPath:  "/compatible-mode/v1/chat/completions",
			RequestHook:   requestHook,
		}, logger),
	}
}

func requestHook(req *types.Request, body *providers.OpenAICompatRequest) {
	if !req.ThinkingMode {
		return
	}
	enabled := true
	body.EnableThinking = &enabled
	body.ThinkingBudget = defaultThinkingBudget
}
