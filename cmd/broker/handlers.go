package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marketflow/llmbroker/broker"
	"github.com/marketflow/llmbroker/internal/ctxkeys"
	"github.com/marketflow/llmbroker/stats"
	"github.com/marketflow/llmbroker/types"
	"go.uber.org/zap"
)

// Route paths for the broker's §6 RPC surface, named once here so
// middleware.go's path-cardinality normalizer and server.go's mux agree.
const (
	pathSend           = "/v1/send"
	pathStream         = "/v1/stream"
	pathStats          = "/v1/stats"
	pathResetCooldown  = "/v1/reset_key_cooldown"
	pathRegisterHealth = "/v1/register_service_health_update"
)

// envelope mirrors the teacher's api.Response shape: every handler response
// carries success/data or success=false/error, plus a timestamp and the
// request ID RequestID middleware attached to the context.
type envelope struct {
	Success   bool        `json:"success"`
	Data      any         `json:"data,omitempty"`
	Error     *errorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorInfo struct {
	Code       types.ErrorCode `json:"code"`
	Message    string          `json:"message"`
	Retryable  bool            `json:"retryable"`
	HTTPStatus int             `json:"http_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	requestID, _ := ctxkeys.RequestID(r.Context())
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Timestamp: time.Now(), RequestID: requestID})
}

// writeError maps a *types.Error onto an HTTP status, mirroring the
// teacher's api/handlers/common.go WriteError: err.HTTPStatus wins when
// set, otherwise the code is mapped to a sane default.
func writeError(w http.ResponseWriter, r *http.Request, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}
	requestID, _ := ctxkeys.RequestID(r.Context())
	logger.Warn("request failed", zap.String("code", string(err.Code)), zap.String("message", err.Message), zap.Int("status", status))
	writeJSON(w, status, envelope{
		Success: false,
		Error: &errorInfo{
			Code:       err.Code,
			Message:    err.Message,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrNoKeyAvailable, types.ErrCircuitBreakerOpen, types.ErrRateLimitedLocal, types.ErrRateLimited429:
		return http.StatusServiceUnavailable
	case types.ErrAuthError:
		return http.StatusUnauthorized
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorMessage(w http.ResponseWriter, r *http.Request, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	writeError(w, r, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// apiHandlers groups the broker's five RPC handlers with their shared
// dependency, mirroring the teacher's api/handlers.ChatHandler{provider,
// logger} composition.
type apiHandlers struct {
	broker *broker.Broker
	logger *zap.Logger
}

func newAPIHandlers(b *broker.Broker, logger *zap.Logger) *apiHandlers {
	return &apiHandlers{broker: b, logger: logger}
}

// sendRequestBody is the wire shape of a send/stream POST body. Fields
// mirror types.Request 1:1, since spec §6 names send's sole parameter
// simply "request".
type sendRequestBody struct {
	ProviderTag     string         `json:"provider_tag"`
	TaskType        string         `json:"task_type"`
	Prompt          string         `json:"prompt"`
	Code            string         `json:"code,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	PreferredChannel string        `json:"preferred_channel,omitempty"`
	ThinkingMode    bool           `json:"thinking_mode,omitempty"`
	EstimatedTokens int            `json:"estimated_tokens"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	AllowCachedHit  bool           `json:"allow_cached_hit,omitempty"`
}

func (b sendRequestBody) toRequest(streaming bool) *types.Request {
	return &types.Request{
		ProviderTag:      b.ProviderTag,
		TaskType:         b.TaskType,
		Prompt:           b.Prompt,
		Code:             b.Code,
		Context:          b.Context,
		PreferredChannel: types.ChannelUsed(b.PreferredChannel),
		Streaming:        streaming,
		ThinkingMode:     b.ThinkingMode,
		EstimatedTokens:  b.EstimatedTokens,
		IdempotencyKey:   b.IdempotencyKey,
		AllowCachedHit:   b.AllowCachedHit,
	}
}

// HandleSend implements spec §6's send(request) -> response.
func (h *apiHandlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrValidation, "send requires POST", h.logger)
		return
	}
	var body sendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "invalid JSON body: "+err.Error(), h.logger)
		return
	}
	resp := h.broker.Send(r.Context(), body.toRequest(false))
	writeSuccess(w, r, resp)
}

// HandleStream implements spec §6's stream(request) -> lazy chunk sequence
// as newline-delimited JSON over a chunked HTTP response, flushing after
// each chunk so clients can consume it incrementally.
func (h *apiHandlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrValidation, "stream requires POST", h.logger)
		return
	}
	var body sendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "invalid JSON body: "+err.Error(), h.logger)
		return
	}

	ch, err := h.broker.Stream(r.Context(), body.toRequest(true))
	if err != nil {
		writeErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, err.Error(), h.logger)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for chunk := range ch {
		out := map[string]any{
			"content_delta":   chunk.ContentDelta,
			"reasoning_delta": chunk.ReasoningDelta,
			"done":            chunk.Done,
		}
		if chunk.Err != nil {
			out["error"] = chunk.Err.Error()
		}
		if err := enc.Encode(out); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// HandleStats implements spec §6's stats() -> snapshot.
func (h *apiHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrValidation, "stats requires GET", h.logger)
		return
	}
	snap := stats.Collect(h.broker)
	writeSuccess(w, r, snap)
}

type resetCooldownBody struct {
	Provider string `json:"provider"`
	Index    *int   `json:"index,omitempty"`
}

// HandleResetKeyCooldown implements spec §6's
// reset_key_cooldown(provider, index?) -> number_reset.
func (h *apiHandlers) HandleResetKeyCooldown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrValidation, "reset_key_cooldown requires POST", h.logger)
		return
	}
	var body resetCooldownBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "invalid JSON body: "+err.Error(), h.logger)
		return
	}
	if body.Provider == "" {
		writeErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "provider is required", h.logger)
		return
	}
	n := h.broker.ResetKeyCooldown(body.Provider, body.Index)
	writeSuccess(w, r, map[string]int{"number_reset": n})
}

type registerHealthBody struct {
	Name         string  `json:"name"`
	Health       string  `json:"health"`
	CircuitState string  `json:"circuit_state"`
	LatencyP95MS int64   `json:"latency_p95_ms"`
	ErrorRate    float64 `json:"error_rate"`
}

// HandleRegisterServiceHealthUpdate implements spec §6's
// register_service_health_update(name, health, circuit_state,
// latency_p95_ms, error_rate) -> void.
func (h *apiHandlers) HandleRegisterServiceHealthUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrValidation, "register_service_health_update requires POST", h.logger)
		return
	}
	var body registerHealthBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "invalid JSON body: "+err.Error(), h.logger)
		return
	}
	if body.Name == "" {
		writeErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "name is required", h.logger)
		return
	}
	h.broker.RegisterServiceHealthUpdate(body.Name, types.HealthStatus(body.Health), body.CircuitState, body.LatencyP95MS, body.ErrorRate)
	writeSuccess(w, r, map[string]bool{"ok": true})
}
