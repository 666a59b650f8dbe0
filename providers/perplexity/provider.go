// Package perplexity implements the Perplexity provider. Perplexity has no
// equivalent in the teacher corpus; it is grounded on the same
// openaicompat base the teacher uses for deepseek/qwen, since Perplexity's
// /chat/completions endpoint is OpenAI-compatible with no vendor-specific
// request fields the broker needs to thread through.
package perplexity

import (
	"time"

	"github.com/marketflow/llmbroker/providers/openaicompat"
	"go.uber.org/zap"
)

// Config is Perplexity's provider configuration.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider implements providers.Client for Perplexity.
type Provider struct {
	*openaicompat.Provider
}

// New creates a Perplexity provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.perplexity.ai"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "perplexity",
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "sonar",
			Timeout:       cfg.Timeout,
			EndpointPath:  "/chat/completions",
		}, logger),
	}
}
