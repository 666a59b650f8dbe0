package providers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/marketflow/llmbroker/types"
	"github.com/stretchr/testify/assert"
)

func TestMapHTTPError_Mapping(t *testing.T) {
	cases := []struct {
		status int
		want   types.ErrorCode
		retry  bool
	}{
		{http.StatusUnauthorized, types.ErrAuthError, false},
		{http.StatusForbidden, types.ErrAuthError, false},
		{http.StatusTooManyRequests, types.ErrRateLimited429, true},
		{http.StatusBadRequest, types.ErrValidation, false},
		{http.StatusBadGateway, types.ErrUpstreamServerError, true},
		{http.StatusInternalServerError, types.ErrUpstreamServerError, true},
	}
	for _, c := range cases {
		err := MapHTTPError(c.status, "msg", "deepseek", 0)
		assert.Equal(t, c.want, err.Code)
		assert.Equal(t, c.retry, err.Retryable)
		assert.Equal(t, "deepseek", err.Provider)
	}
}

func TestMapHTTPError_CarriesRetryAfter(t *testing.T) {
	err := MapHTTPError(http.StatusTooManyRequests, "msg", "deepseek", 7)
	assert.Equal(t, 7, err.RetryAfterSeconds)
}

func TestParseRetryAfter_ParsesSecondsForm(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	assert.Equal(t, 12, ParseRetryAfter(h))
}

func TestParseRetryAfter_AbsentOrInvalidReturnsZero(t *testing.T) {
	assert.Equal(t, 0, ParseRetryAfter(http.Header{}))

	h := http.Header{}
	h.Set("Retry-After", "not-a-number")
	assert.Equal(t, 0, ParseRetryAfter(h))
}

func TestReadErrorMessage_ParsesOpenAIEnvelope(t *testing.T) {
	body := strings.NewReader(`{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	msg := ReadErrorMessage(body)
	assert.Contains(t, msg, "bad key")
	assert.Contains(t, msg, "invalid_request_error")
}

func TestReadErrorMessage_FallsBackToRawText(t *testing.T) {
	body := strings.NewReader("not json")
	assert.Equal(t, "not json", ReadErrorMessage(body))
}

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "requested", ChooseModel("requested", "default", "fallback"))
	assert.Equal(t, "default", ChooseModel("", "default", "fallback"))
	assert.Equal(t, "fallback", ChooseModel("", "", "fallback"))
}

func TestBuildMessages_IncludesSystemAndCode(t *testing.T) {
	req := &types.Request{
		Prompt:  "explain this",
		Code:    "func f() {}",
		Context: map[string]any{"system": "you are terse"},
	}
	msgs := BuildMessages(req)
	require := assert.New(t)
	require.Len(msgs, 2)
	require.Equal("system", msgs[0].Role)
	require.Equal("you are terse", msgs[0].Content)
	require.Equal("user", msgs[1].Role)
	require.Contains(msgs[1].Content, "explain this")
	require.Contains(msgs[1].Content, "func f() {}")
}

func TestEstimateTokens_NonZeroForNonEmptyPrompt(t *testing.T) {
	req := &types.Request{Prompt: "hello there, this is a prompt of some length"}
	assert.Greater(t, EstimateTokens(req), 0)
}

func TestEstimateTokens_ZeroForEmptyRequest(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(&types.Request{}))
}
