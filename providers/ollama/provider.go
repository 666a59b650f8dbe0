// Package ollama implements a provider for locally-hosted Ollama models.
// Ollama has no equivalent in the teacher corpus — its /api/chat endpoint
// uses a distinct request/response envelope and newline-delimited JSON
// streaming instead of SSE — so this package follows the openaicompat
// base's structural idiom (Config struct, http.Client via tlsutil,
// Complete/Stream/HealthCheck/EstimateTokens) while implementing Ollama's
// own wire format directly, grounded on
// providers.RequestContext/StreamChunk from the shared providers package.
package ollama

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

// Config is Ollama's provider configuration.
type Config struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	NumPredict  int
	Temperature float32
}

// Provider implements providers.Client against Ollama's /api/chat.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an Ollama provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("provider", "ollama")),
	}
}

var _ providers.Client = (*Provider)(nil)

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) EstimateTokens(req *types.Request) int { return providers.EstimateTokens(req) }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Model          string      `json:"model"`
	Message        chatMessage `json:"message"`
	Done           bool        `json:"done"`
	PromptEvalCount int        `json:"prompt_eval_count"`
	EvalCount      int         `json:"eval_count"`
}

func (p *Provider) buildMessages(req *types.Request) []chatMessage {
	msgs := make([]chatMessage, 0, 2)
	if req.Context != nil {
		if sys, ok := req.Context["system"].(string); ok && strings.TrimSpace(sys) != "" {
			msgs = append(msgs, chatMessage{Role: "system", Content: sys})
		}
	}
	content := req.Prompt
	if req.Code != "" {
		content = fmt.Sprintf("%s\n\n```\n%s\n```", req.Prompt, req.Code)
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: content})
	return msgs
}

func (p *Provider) buildRequest(req *types.Request, stream bool) chatRequest {
	var opts *chatOptions
	if p.cfg.NumPredict != 0 || p.cfg.Temperature != 0 {
		opts = &chatOptions{Temperature: p.cfg.Temperature, NumPredict: p.cfg.NumPredict}
	}
	return chatRequest{
		Model:    p.cfg.Model,
		Messages: p.buildMessages(req),
		Stream:   stream,
		Options:  opts,
	}
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/api/chat"
}

// HealthCheck pings Ollama's /api/tags endpoint (model listing), the
// cheapest reachability probe Ollama exposes.
func (p *Provider) HealthCheck(ctx context.Context) (*types.HealthCheckResult, error) {
	start := time.Now()
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/tags"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build health check request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &types.HealthCheckResult{Component: "ollama", Status: types.HealthUnhealthy, Message: err.Error(), CheckedAt: time.Now()}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &types.HealthCheckResult{Component: "ollama", Status: types.HealthUnhealthy, CheckedAt: time.Now()},
			fmt.Errorf("ollama health check failed: status=%d", resp.StatusCode)
	}
	status := types.HealthHealthy
	if latency > 3*time.Second {
		status = types.HealthDegraded
	}
	return &types.HealthCheckResult{Component: "ollama", Status: status, CheckedAt: time.Now()}, nil
}

// Complete sends a non-streaming /api/chat request.
func (p *Provider) Complete(rc *providers.RequestContext) (*types.Response, error) {
	body := p.buildRequest(rc.Request, false)
	payload, err := providers.EncodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(rc.Ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &types.Error{
			Code: types.ErrNetworkError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "ollama", providers.ParseRetryAfter(resp.Header))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &types.Error{
			Code: types.ErrUpstreamServerError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama",
		}
	}

	return &types.Response{
		Success: true,
		Content: cr.Message.Content,
		TokenUsage: &types.TokenUsage{
			Prompt:     cr.PromptEvalCount,
			Completion: cr.EvalCount,
			Total:      cr.PromptEvalCount + cr.EvalCount,
		},
	}, nil
}

// Stream sends a streaming /api/chat request and parses Ollama's
// newline-delimited JSON stream (one chatResponse object per line, no SSE
// "data:" framing, terminated by a final object with done=true).
func (p *Provider) Stream(rc *providers.RequestContext) (<-chan providers.StreamChunk, error) {
	body := p.buildRequest(rc.Request, true)
	payload, err := providers.EncodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(rc.Ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &types.Error{
			Code: types.ErrNetworkError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama",
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "ollama", providers.ParseRetryAfter(resp.Header))
	}

	ch := make(chan providers.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				var cr chatResponse
				if jsonErr := json.Unmarshal(bytes.TrimSpace(line), &cr); jsonErr == nil {
					chunk := providers.StreamChunk{ContentDelta: cr.Message.Content, Done: cr.Done}
					select {
					case <-rc.Ctx.Done():
						return
					case ch <- chunk:
					}
					if cr.Done {
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case <-rc.Ctx.Done():
					case ch <- providers.StreamChunk{Err: &types.Error{
						Code: types.ErrUpstreamServerError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "ollama",
					}}:
					}
				}
				return
			}
		}
	}()
	return ch, nil
}
