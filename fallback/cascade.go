package fallback

import (
	"fmt"
	"strings"
	"time"

	"github.com/marketflow/llmbroker/types"
)

// StaticEntry is one canned response in the static fallback table.
type StaticEntry struct {
	Key     string
	Match   func(prompt, taskType string) bool
	Content string
}

// DegradedHandler produces a DEGRADED response when its pattern is found in
// the prompt or matches taskType.
type DegradedHandler struct {
	Pattern string
	Fn      func(prompt string) string
}

func (h DegradedHandler) matches(prompt, taskType string) bool {
	if h.Pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(prompt), strings.ToLower(h.Pattern)) ||
		strings.EqualFold(taskType, h.Pattern)
}

// EntryStore is the fresh-cache-entry source Cascade consults first. *Cache
// satisfies it directly; the broker package adapts cache.MultiLevelCache to
// it too, so the cascade's first tier transparently checks L1+L2 when a
// MultiLevelCache is configured (spec §4.8 wraps §4.6, not the other way
// around).
type EntryStore interface {
	Get(fingerprint string) (*types.FingerprintedCacheEntry, bool)
}

// Cascade implements the broker's fallback tiers: fresh cache entry → static
// match → degraded handler → synthetic message (spec §4.6's priority order).
// The Broker consults Cascade.Resolve once admission or dispatch has failed
// and records the returned FallbackKind as channel_used/fallback_type.
type Cascade struct {
	cache    EntryStore
	static   []StaticEntry
	degraded []DegradedHandler
}

// NewCascade builds a Cascade around an EntryStore with the default
// static table (spec §4.6 examples: strategy:momentum, research:market_overview,
// health_check, risk:portfolio) pre-registered. Callers may RegisterStatic /
// RegisterDegraded additional entries before serving traffic.
func NewCascade(cache EntryStore) *Cascade {
	c := &Cascade{cache: cache}
	c.registerDefaultStatics()
	return c
}

func (c *Cascade) registerDefaultStatics() {
	c.RegisterStatic(StaticEntry{
		Key:     "strategy:momentum",
		Match:   taskTypeOrPromptContains("strategy:momentum", "momentum"),
		Content: "Momentum strategy guidance is temporarily unavailable; consider waiting for fresh signal data before acting.",
	})
	c.RegisterStatic(StaticEntry{
		Key:     "research:market_overview",
		Match:   taskTypeOrPromptContains("research:market_overview", "market overview"),
		Content: "Market overview research is temporarily unavailable; no summary can be generated right now.",
	})
	c.RegisterStatic(StaticEntry{
		Key:     "health_check",
		Match:   taskTypeOrPromptContains("health_check", "health check"),
		Content: "ok",
	})
	c.RegisterStatic(StaticEntry{
		Key:     "risk:portfolio",
		Match:   taskTypeOrPromptContains("risk:portfolio", "portfolio risk"),
		Content: "Portfolio risk assessment is temporarily unavailable; avoid making allocation changes until service recovers.",
	})
}

func taskTypeOrPromptContains(taskType, substr string) func(prompt, reqTaskType string) bool {
	return func(prompt, reqTaskType string) bool {
		if strings.EqualFold(reqTaskType, taskType) {
			return true
		}
		return strings.Contains(strings.ToLower(prompt), substr)
	}
}

// RegisterStatic adds an entry to the static fallback table.
func (c *Cascade) RegisterStatic(e StaticEntry) { c.static = append(c.static, e) }

// RegisterDegraded adds a pattern-matched degraded handler.
func (c *Cascade) RegisterDegraded(h DegradedHandler) { c.degraded = append(c.degraded, h) }

// Resolve runs the priority cascade for req: fresh cache entry → static match
// → degraded handler → synthetic "service temporarily unavailable" message.
// It never returns an error; the synthetic tier is the guaranteed terminal
// response for catastrophic upstream failure (spec §4.6, §7).
func (c *Cascade) Resolve(req *types.Request) *types.FingerprintedCacheEntry {
	fp := Fingerprint(req.ProviderTag, req.Prompt)

	if c.cache != nil {
		if entry, ok := c.cache.Get(fp); ok {
			return entry
		}
	}

	for _, s := range c.static {
		if s.Match != nil && s.Match(req.Prompt, req.TaskType) {
			return &types.FingerprintedCacheEntry{
				Fingerprint:  fp,
				Content:      s.Content,
				FallbackKind: types.FallbackStatic,
				CachedAt:     time.Now(),
				Metadata:     map[string]any{"static_key": s.Key},
			}
		}
	}

	for _, h := range c.degraded {
		if h.matches(req.Prompt, req.TaskType) {
			return &types.FingerprintedCacheEntry{
				Fingerprint:  fp,
				Content:      h.Fn(req.Prompt),
				FallbackKind: types.FallbackDegraded,
				CachedAt:     time.Now(),
				Metadata:     map[string]any{"pattern": h.Pattern},
			}
		}
	}

	return &types.FingerprintedCacheEntry{
		Fingerprint:  fp,
		Content:      fmt.Sprintf("service temporarily unavailable for provider %q", req.ProviderTag),
		FallbackKind: types.FallbackSynthetic,
		CachedAt:     time.Now(),
	}
}
