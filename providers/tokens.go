package providers

import (
	"sync"

	"github.com/marketflow/llmbroker/types"
	"github.com/pkoukk/tiktoken-go"
)

// tokenEncoding is lazily initialized once; cl100k_base is the closest
// public encoding to the BPE most OpenAI-compatible chat models use, and is
// close enough for EstimatedTokens' budgeting purpose (spec §4.2 only needs
// an estimate, not an exact count).
var (
	tokenEncOnce sync.Once
	tokenEnc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	tokenEncOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenEnc = enc
		}
	})
	return tokenEnc
}

// EstimateTokens counts the request's prompt/code/system text using
// tiktoken-go, falling back to a character/4 heuristic if the encoding
// table failed to load (e.g. offline test environments without the BPE
// data file cached).
func EstimateTokens(req *types.Request) int {
	text := req.Prompt
	if req.Code != "" {
		text += "\n" + req.Code
	}
	if req.Context != nil {
		if sys, ok := req.Context["system"].(string); ok {
			text += "\n" + sys
		}
	}
	if text == "" {
		return 0
	}
	if enc := encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}
