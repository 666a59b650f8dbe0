// Package openaicompat is the shared base for every OpenAI-compatible
// provider (deepseek, qwen, perplexity): one embeds Provider and overrides
// only Name, BaseURL, default model and request hooks. It is grounded on
// the teacher's llm/providers/openaicompat/provider.go, generalized from
// llm.ChatRequest/ChatResponse onto the broker's types.Request/
// types.Response and providers.RequestContext.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marketflow/llmbroker/internal/tlsutil"
	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/types"
	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	ProviderName   string
	BaseURL        string
	DefaultModel   string
	FallbackModel  string
	Timeout        time.Duration
	EndpointPath   string
	ModelsEndpoint string

	// BuildHeaders sets custom headers on each request. If nil, the default
	// "Authorization: Bearer <apiKey>" header is used.
	BuildHeaders func(req *http.Request, apiKey string)

	// RequestHook lets an embedding provider adjust the outbound request
	// body for vendor-specific fields (DeepSeek's reasoner model selection,
	// Qwen's enable_thinking/thinking_budget).
	RequestHook func(req *types.Request, body *providers.OpenAICompatRequest)
}

// Provider is the base implementation embedded by every OpenAI-compatible
// provider package.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

// New creates a base Provider with config defaults applied.
func New(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.SecureHTTPClient(timeout),
		Logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

var _ providers.Client = (*Provider)(nil)

func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), path)
}

// HealthCheck verifies the provider is reachable by listing models.
func (p *Provider) HealthCheck(ctx context.Context) (*types.HealthCheckResult, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("build health check request: %w", err)
	}
	// Health checks run without a resolved per-request key; an empty bearer
	// token is enough to distinguish network reachability from auth issues
	// for providers that return 401 rather than refusing the connection.
	p.buildHeaders(httpReq, "")

	resp, err := p.Client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &types.HealthCheckResult{
			Component: p.Cfg.ProviderName,
			Status:    types.HealthUnhealthy,
			Message:   err.Error(),
			CheckedAt: time.Now(),
		}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg := providers.ReadErrorMessage(resp.Body)
		return &types.HealthCheckResult{
			Component: p.Cfg.ProviderName,
			Status:    types.HealthUnhealthy,
			Message:   msg,
			CheckedAt: time.Now(),
		}, fmt.Errorf("%s health check failed: status=%d", p.Cfg.ProviderName, resp.StatusCode)
	}

	status := types.HealthHealthy
	if latency > 3*time.Second {
		status = types.HealthDegraded
	}
	return &types.HealthCheckResult{
		Component: p.Cfg.ProviderName,
		Status:    status,
		CheckedAt: time.Now(),
		Details:   map[string]any{"latency_ms": latency.Milliseconds()},
	}, nil
}

func (p *Provider) EstimateTokens(req *types.Request) int { return providers.EstimateTokens(req) }

func (p *Provider) buildBody(req *types.Request, stream bool) providers.OpenAICompatRequest {
	body := providers.OpenAICompatRequest{
		Model:    providers.ChooseModel("", p.Cfg.DefaultModel, p.Cfg.FallbackModel),
		Messages: providers.BuildMessages(req),
		Stream:   stream,
	}
	if p.Cfg.RequestHook != nil {
		p.Cfg.RequestHook(req, &body)
	}
	return body
}

// Complete performs a non-streaming chat completion.
func (p *Provider) Complete(rc *providers.RequestContext) (*types.Response, error) {
	body := p.buildBody(rc.Request, false)

	payload, err := providers.EncodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(rc.Ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	p.buildHeaders(httpReq, rc.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, &types.Error{
			Code: types.ErrNetworkError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name(), providers.ParseRetryAfter(resp.Header))
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, &types.Error{
			Code: types.ErrUpstreamServerError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	return toResponse(oaResp), nil
}

func toResponse(oa providers.OpenAICompatResponse) *types.Response {
	resp := &types.Response{Success: true}
	if len(oa.Choices) > 0 {
		resp.Content = oa.Choices[0].Message.Content
		resp.ReasoningContent = oa.Choices[0].Message.ReasoningContent
	}
	if oa.Usage != nil {
		resp.TokenUsage = &types.TokenUsage{
			Prompt:     oa.Usage.PromptTokens,
			Completion: oa.Usage.CompletionTokens,
			Total:      oa.Usage.TotalTokens,
		}
	}
	return resp
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(rc *providers.RequestContext) (<-chan providers.StreamChunk, error) {
	body := p.buildBody(rc.Request, true)

	payload, err := providers.EncodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(rc.Ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	p.buildHeaders(httpReq, rc.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, &types.Error{
			Code: types.ErrNetworkError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name(), providers.ParseRetryAfter(resp.Header))
	}

	return StreamSSE(rc.Ctx, resp.Body, p.Name()), nil
}

// StreamSSE parses an OpenAI-compatible SSE body into a channel of chunks.
// Shared by every provider embedding Provider.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					send(ctx, ch, providers.StreamChunk{Err: &types.Error{
						Code: types.ErrUpstreamServerError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName,
					}})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				send(ctx, ch, providers.StreamChunk{Done: true})
				return
			}

			var oaResp providers.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				send(ctx, ch, providers.StreamChunk{Err: &types.Error{
					Code: types.ErrUpstreamServerError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName,
				}})
				return
			}

			for _, choice := range oaResp.Choices {
				chunk := providers.StreamChunk{}
				if choice.Delta != nil {
					chunk.ContentDelta = choice.Delta.Content
					chunk.ReasoningDelta = choice.Delta.ReasoningContent
				}
				if !send(ctx, ch, chunk) {
					return
				}
			}
		}
	}()
	return ch
}

func send(ctx context.Context, ch chan<- providers.StreamChunk, chunk providers.StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}
