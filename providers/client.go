// Package providers defines the broker's upstream LLM client contract and
// the OpenAI-compatible wire types shared by every concrete provider
// (openaicompat base, deepseek, qwen, perplexity) plus the Ollama provider's
// own shape. It is grounded on the teacher's llm/providers/common.go
// (OpenAICompatRequest/Response, MapHTTPError, ChooseModel) and
// llm/providers/retry_wrapper.go (retrying client wrapper), generalized from
// llm.ChatRequest/ChatResponse onto the broker's flatter types.Request/
// types.Response shape.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/marketflow/llmbroker/internal/pool"
	"github.com/marketflow/llmbroker/types"
)

// Client is the contract every upstream LLM provider implements. The broker
// dispatches against this interface, never against a concrete provider type.
type Client interface {
	Name() string
	Complete(rc *RequestContext) (*types.Response, error)
	Stream(rc *RequestContext) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) (*types.HealthCheckResult, error)
	EstimateTokens(req *types.Request) int
}

// StreamChunk is one increment of a streamed completion.
type StreamChunk struct {
	ContentDelta string
	ReasoningDelta string
	Done         bool
	Err          error
}

// MapHTTPError maps an upstream HTTP status to a *types.Error with the
// broker's own error codes (spec §7's error-kind table), matching the
// teacher's MapHTTPError switch but against types.ErrorCode instead of
// llm.ErrorCode. retryAfterSeconds is the verbatim Retry-After value off a
// 429 response (spec §4.5: "honored verbatim"); pass 0 when absent or not
// applicable.
func MapHTTPError(status int, msg string, provider string, retryAfterSeconds int) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &types.Error{
			Code:       types.ErrAuthError,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusTooManyRequests:
		return &types.Error{
			Code:              types.ErrRateLimited429,
			Message:           msg,
			HTTPStatus:        status,
			Retryable:         true,
			Provider:          provider,
			RetryAfterSeconds: retryAfterSeconds,
		}
	case http.StatusBadRequest:
		return &types.Error{
			Code:       types.ErrValidation,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &types.Error{
			Code:       types.ErrUpstreamServerError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	case 529: // model overloaded, used by some OpenAI-compatible vendors
		return &types.Error{
			Code:       types.ErrUpstreamServerError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	default:
		return &types.Error{
			Code:       types.ErrUpstreamServerError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Provider:   provider,
		}
	}
}

// ParseRetryAfter reads the Retry-After header (seconds form only — the
// providers this broker talks to never send the HTTP-date form) off an
// upstream response, returning 0 when absent or unparsable.
func ParseRetryAfter(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}

// ReadErrorMessage attempts to decode body as an OpenAI-style error envelope,
// falling back to raw text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}

// OpenAICompatMessage is one chat message in the OpenAI wire format.
// ReasoningContent is Qwen/DeepSeek's vendor extension surfacing the
// model's internal reasoning trace alongside the final answer.
type OpenAICompatMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// OpenAICompatRequest is the shared OpenAI-compatible chat completion
// request body, used by the openaicompat base and every provider that
// embeds it (deepseek, qwen, perplexity).
type OpenAICompatRequest struct {
	Model          string                `json:"model"`
	Messages       []OpenAICompatMessage `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float32               `json:"temperature,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
	EnableThinking *bool                 `json:"enable_thinking,omitempty"`
	ThinkingBudget int                   `json:"thinking_budget,omitempty"`
}

// OpenAICompatChoice is one choice in an OpenAI-compatible response.
type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Message      OpenAICompatMessage  `json:"message"`
	Delta        *OpenAICompatDelta   `json:"delta,omitempty"`
}

// OpenAICompatDelta is the streaming increment of a choice.
type OpenAICompatDelta struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// OpenAICompatUsage is the token-usage envelope.
type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAICompatResponse is the shared OpenAI-compatible chat completion
// response body.
type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
}

// ChooseModel picks req's model if set, else defaultModel, else
// fallbackModel (spec §4.5: "each provider has a default model and a
// last-resort fallback model").
func ChooseModel(requestedModel, defaultModel, fallbackModel string) string {
	if requestedModel != "" {
		return requestedModel
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallbackModel
}

// BuildMessages turns a broker Request into an OpenAI-compatible message
// list: an optional system message (from req.Context["system"]), then the
// user turn built from Prompt and, if present, Code fenced as a code block.
func BuildMessages(req *types.Request) []OpenAICompatMessage {
	msgs := make([]OpenAICompatMessage, 0, 2)
	if req.Context != nil {
		if sys, ok := req.Context["system"].(string); ok && strings.TrimSpace(sys) != "" {
			msgs = append(msgs, OpenAICompatMessage{Role: "system", Content: sys})
		}
	}
	content := req.Prompt
	if req.Code != "" {
		content = fmt.Sprintf("%s\n\n```\n%s\n```", req.Prompt, req.Code)
	}
	msgs = append(msgs, OpenAICompatMessage{Role: "user", Content: content})
	return msgs
}

// EncodeBody marshals v using a pooled *bytes.Buffer (internal/pool's
// ByteBufferPool, shared with every provider's request encoding path) and
// returns a fresh, owned copy of the encoded bytes — the pooled buffer is
// reset and returned to the pool before EncodeBody returns, so callers are
// free to hold onto the result (e.g. wrap it in bytes.NewReader) without any
// handoff protocol.
func EncodeBody(v any) ([]byte, error) {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// RequestContext bundles a context.Context-bearing call with the broker
// Request and the resolved API key, so Client methods take one argument
// instead of three.
type RequestContext struct {
	Ctx     context.Context
	Request *types.Request
	APIKey  string
}
