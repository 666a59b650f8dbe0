// Package broker implements the Broker from spec §4.7: the single entry
// point that ties keypool, ratelimiter, circuitbreaker, providers and
// fallback together into the eight-step dispatch pipeline, plus the
// external interfaces from spec §6 (send, stream, stats, reset_key_cooldown,
// register_service_health_update). It is grounded on the teacher's
// llm.ResilientProvider (llm/resilient_provider.go) and llm.LLMClient
// (llm/client.go) call chains — validate, admit, acquire, call-through-
// breaker, account — generalized from one provider at a time onto the
// broker's many-provider registry and the spec's own error-kind table
// (spec §7) rather than the teacher's llm.ErrorCode classification.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketflow/llmbroker/cache"
	"github.com/marketflow/llmbroker/circuitbreaker"
	"github.com/marketflow/llmbroker/fallback"
	"github.com/marketflow/llmbroker/health"
	"github.com/marketflow/llmbroker/keypool"
	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/ratelimiter"
	"github.com/marketflow/llmbroker/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MaxEstimatedTokens bounds the estimated_tokens field a caller may pass
// (spec §4.7 step 1: "estimated_tokens bounded").
const MaxEstimatedTokens = 2_000_000

// waitCeiling bounds how long Send will sleep on a WAIT_FOR_MS admission
// before giving the caller control back; the ratelimiter's own
// Budget.WaitCeiling already bounds what it asks for, this is a second,
// broker-level belt-and-suspenders cap.
const waitCeiling = 2 * time.Second

// defaultCacheTTL is how long a freshly dispatched success is kept as a
// CACHED fallback tier entry (spec §4.6).
const defaultCacheTTL = 10 * time.Minute

// ServiceHealthUpdate is one externally-pushed health observation (spec §6:
// register_service_health_update). The broker never computes these itself;
// it only stores the latest one per component for Stats to report.
type ServiceHealthUpdate struct {
	Health        types.HealthStatus
	CircuitState  string
	LatencyP95MS  int64
	ErrorRate     float64
	UpdatedAt     time.Time
}

// entryStoreAdapter lets a *cache.MultiLevelCache satisfy fallback.EntryStore,
// so Cascade.Resolve transparently checks L1+L2 when one is configured (spec
// §4.8 wraps §4.6).
type entryStoreAdapter struct {
	mc *cache.MultiLevelCache
}

func (a *entryStoreAdapter) Get(fingerprint string) (*types.FingerprintedCacheEntry, bool) {
	return a.mc.Get(context.Background(), fingerprint)
}

// Broker is the single dispatch point for every provider call. Build one
// with New and keep it for the process lifetime; it is safe for concurrent
// use from many goroutines.
type Broker struct {
	logger *zap.Logger
	tracer trace.Tracer

	providers map[string]providers.Client
	pool      *keypool.Pool
	limiters  *ratelimiter.Manager
	breakers  *circuitbreaker.Manager
	cascade   *fallback.Cascade
	health    *health.Monitor

	fallbackCache *fallback.Cache
	multiCache    *cache.MultiLevelCache

	// buildGroup gates dispatch by fingerprint so concurrent identical
	// requests collapse into a single upstream call (spec §4.6 build
	// coalescing / §8 Property 3).
	buildGroup singleflight.Group

	serviceHealthMu sync.RWMutex
	serviceHealth   map[string]ServiceHealthUpdate

	totalRequests          int64
	successfulRequests     int64
	validationErrors       int64
	fallbacksServed        int64
	rateLimitLocalRejects  int64
	rateLimitEvents        int64
	circuitOpenRejects     int64
	noKeyAvailableRejects  int64
	autoRecoveries         int64
}

// Config bundles the collaborators New wires into a Broker. Health and
// MultiCache are optional: a nil Health disables the HealthMonitor surface,
// a nil MultiCache makes the fallback cascade L1-only (spec §4.8: "the core
// must work with only L1").
type Config struct {
	Providers  map[string]providers.Client
	Pool       *keypool.Pool
	Limiters   *ratelimiter.Manager
	Breakers   *circuitbreaker.Manager
	Health     *health.Monitor
	MultiCache *cache.MultiLevelCache
	Logger     *zap.Logger
}

// New builds a Broker. A fresh fallback.Cache backs the cascade's L1 tier;
// when cfg.MultiCache is set, it is adapted to front the cascade instead so
// cache reads go through L1+L2.
func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fc := fallback.NewCache(1000, defaultCacheTTL)

	b := &Broker{
		logger:        logger.With(zap.String("component", "broker")),
		tracer:        otel.Tracer("llmbroker/broker"),
		providers:     cfg.Providers,
		pool:          cfg.Pool,
		limiters:      cfg.Limiters,
		breakers:      cfg.Breakers,
		health:        cfg.Health,
		fallbackCache: fc,
		multiCache:    cfg.MultiCache,
		serviceHealth: make(map[string]ServiceHealthUpdate),
	}

	if cfg.MultiCache != nil {
		b.cascade = fallback.NewCascade(&entryStoreAdapter{mc: cfg.MultiCache})
	} else {
		b.cascade = fallback.NewCascade(fc)
	}
	return b
}

// Send runs the full eight-step dispatch pipeline from spec §4.7 and always
// returns a non-nil Response; upstream and local failures are absorbed into
// the fallback cascade rather than propagated as Go errors, matching the
// external send(request) → response contract in spec §6.
func (b *Broker) Send(ctx context.Context, req *types.Request) *types.Response {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "broker.send",
		trace.WithAttributes(
			attribute.String("provider", req.ProviderTag),
			attribute.String("task_type", req.TaskType),
		))
	defer span.End()

	atomic.AddInt64(&b.totalRequests, 1)

	// Step 1: validation. Surfaced directly, never through the cascade.
	if err := b.validate(req); err != nil {
		atomic.AddInt64(&b.validationErrors, 1)
		span.SetStatus(codes.Error, "validation")
		return &types.Response{Success: false, Error: err.Error(), LatencyMS: ms(start)}
	}

	fp := fallback.Fingerprint(req.ProviderTag, req.Prompt)

	// Step 2: short-circuit cache probe. Only consulted when the caller
	// opted in, per spec §4.7: cache hits are never returned by surprise.
	if req.AllowCachedHit || req.IdempotencyKey != "" {
		if entry, ok := b.lookupCache(fp); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return &types.Response{
				Success:      true,
				Content:      entry.Content,
				ChannelUsed:  types.ChannelCache,
				FallbackType: entry.FallbackKind,
				LatencyMS:    ms(start),
			}
		}
	}

	resp, err := b.coalescedDispatch(ctx, req, fp)
	if err == nil {
		resp.LatencyMS = ms(start)
		span.SetAttributes(attribute.Int64("tokens_total", int64(tokenTotal(resp))))
		return resp
	}

	// Step 7: fallback cascade. Every local or upstream failure lands here.
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	atomic.AddInt64(&b.fallbacksServed, 1)
	entry := b.cascade.Resolve(req)
	return &types.Response{
		Success:      true,
		Content:      entry.Content,
		ChannelUsed:  types.ChannelCache,
		FallbackType: entry.FallbackKind,
		Error:        err.Error(),
		LatencyMS:    ms(start),
	}
}

func ms(start time.Time) int64 { return time.Since(start).Milliseconds() }

func tokenTotal(resp *types.Response) int {
	if resp.TokenUsage == nil {
		return 0
	}
	return resp.TokenUsage.Total
}

// validate implements spec §4.7 step 1: provider known, prompt non-empty,
// estimated_tokens bounded.
func (b *Broker) validate(req *types.Request) error {
	if _, ok := b.providers[req.ProviderTag]; !ok {
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown provider %q", req.ProviderTag)).WithProvider(req.ProviderTag)
	}
	if req.Prompt == "" {
		return types.NewError(types.ErrValidation, "prompt must not be empty").WithProvider(req.ProviderTag)
	}
	if req.EstimatedTokens < 0 || req.EstimatedTokens > MaxEstimatedTokens {
		return types.NewError(types.ErrValidation, "estimated_tokens out of bounds").WithProvider(req.ProviderTag)
	}
	return nil
}

func (b *Broker) lookupCache(fp string) (*types.FingerprintedCacheEntry, bool) {
	if b.multiCache != nil {
		return b.multiCache.Get(context.Background(), fp)
	}
	return b.fallbackCache.Get(fp)
}

func (b *Broker) storeCache(fp string, content string) {
	entry := &types.FingerprintedCacheEntry{
		Fingerprint:  fp,
		Content:      content,
		FallbackKind: types.FallbackCached,
		CachedAt:     time.Now(),
		TTL:          defaultCacheTTL,
	}
	if b.multiCache != nil {
		if err := b.multiCache.Set(context.Background(), fp, entry); err != nil {
			b.logger.Warn("cache set failed, continuing uncached", zap.Error(err))
		}
		return
	}
	b.fallbackCache.Set(fp, entry)
}

// coalescedDispatch gates dispatch by fingerprint so a burst of concurrent
// callers with the same (provider, prompt) collapses into exactly one
// upstream dispatch (spec §4.6's build-coalescing invariant, §8 Property 3,
// scenario S5). Every waiter gets its own copy of the winning call's
// response so none of them race over the same *types.Response while Send
// fills in per-caller fields like LatencyMS afterward.
func (b *Broker) coalescedDispatch(ctx context.Context, req *types.Request, fp string) (*types.Response, error) {
	v, err, _ := b.buildGroup.Do(fp, func() (any, error) {
		return b.dispatch(ctx, req, fp)
	})
	if err != nil {
		return nil, err
	}
	respCopy := *v.(*types.Response)
	return &respCopy, nil
}

// dispatch runs steps 3-6: admission, key acquisition, breaker-wrapped call,
// and success accounting. A non-nil error means "fall through to the
// cascade"; the caller never needs to distinguish local vs. upstream origin.
func (b *Broker) dispatch(ctx context.Context, req *types.Request, fp string) (*types.Response, error) {
	limiter := b.limiters.For(req.ProviderTag)
	admission, wait := limiter.Acquire(req.EstimatedTokens)
	switch admission {
	case ratelimiter.Reject:
		atomic.AddInt64(&b.rateLimitLocalRejects, 1)
		return nil, types.NewError(types.ErrRateLimitedLocal, "local rate limit exceeded").WithProvider(req.ProviderTag)
	case ratelimiter.WaitForMs:
		sleepFor := wait
		if sleepFor > waitCeiling {
			sleepFor = waitCeiling
		}
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	client := b.providers[req.ProviderTag]

	key, err := b.pool.Acquire(req.ProviderTag)
	if err != nil {
		atomic.AddInt64(&b.noKeyAvailableRejects, 1)
		return nil, types.NewError(types.ErrNoKeyAvailable, err.Error()).WithProvider(req.ProviderTag)
	}

	var resp *types.Response
	var callErr error
	breakerErr := b.breakers.CallWithBreaker(req.ProviderTag, func() error {
		rc := &providers.RequestContext{Ctx: ctx, Request: req, APIKey: key.Secret}
		r, cerr := client.Complete(rc)
		if cerr != nil {
			callErr = cerr
			return cerr
		}
		resp = r
		return nil
	})

	if breakerErr != nil {
		if errors.Is(breakerErr, circuitbreaker.ErrOpen) {
			atomic.AddInt64(&b.circuitOpenRejects, 1)
			return nil, types.NewError(types.ErrCircuitBreakerOpen, "circuit breaker open").WithProvider(req.ProviderTag)
		}
		b.accountError(key, callErr)
		return nil, callErr
	}

	b.pool.MarkSuccess(key)
	if resp.TokenUsage != nil {
		limiter.RecordUsage(resp.TokenUsage.Total, resp.CostEstimate)
	}
	atomic.AddInt64(&b.successfulRequests, 1)
	resp.ChannelUsed = types.ChannelDirectAPI
	resp.HasAPIKeyIndex = true
	resp.APIKeyIndex = key.Index

	if resp.Success && !req.Streaming {
		b.storeCache(fp, resp.Content)
	}
	return resp, nil
}

// accountError implements spec §7's error-accounting table: 429 cools the
// key by its Retry-After; auth errors disable it permanently; upstream
// server/network errors escalate the consecutive-failure ladder; everything
// else (timeouts, unclassified transport errors) counts as a network error
// too, since none of them are ever the fault of one specific key.
func (b *Broker) accountError(key *keypool.APIKey, err error) {
	code := types.GetErrorCode(err)
	switch code {
	case types.ErrRateLimited429:
		var retryAfter time.Duration
		if terr, ok := err.(*types.Error); ok && terr.RetryAfterSeconds > 0 {
			retryAfter = time.Duration(terr.RetryAfterSeconds) * time.Second
		}
		b.pool.MarkRateLimit(key, retryAfter)
		atomic.AddInt64(&b.rateLimitEvents, 1)
	case types.ErrAuthError:
		b.pool.MarkAuthError(key)
	case types.ErrUpstreamServerError, types.ErrTimeout:
		b.pool.MarkNetworkError(key)
	default:
		b.pool.MarkNetworkError(key)
	}
}

// Stream runs the same admission/key/breaker pipeline as Send but against
// client.Stream, yielding chunks as they arrive (spec §6: stream(request) →
// lazy chunk sequence). A request that fails validation, or whose context is
// cancelled during an admission wait, returns an error. When dispatch cannot
// begin for any other reason — local rate limiting, no key, or an open
// breaker — the returned channel carries a single synthetic chunk resolved
// through the fallback cascade instead of an error.
func (b *Broker) Stream(ctx context.Context, req *types.Request) (<-chan providers.StreamChunk, error) {
	ctx, span := b.tracer.Start(ctx, "broker.stream", trace.WithAttributes(
		attribute.String("provider", req.ProviderTag),
	))
	atomic.AddInt64(&b.totalRequests, 1)

	if err := b.validate(req); err != nil {
		atomic.AddInt64(&b.validationErrors, 1)
		span.End()
		return nil, err
	}

	limiter := b.limiters.For(req.ProviderTag)
	admission, wait := limiter.Acquire(req.EstimatedTokens)
	if admission == ratelimiter.Reject {
		atomic.AddInt64(&b.rateLimitLocalRejects, 1)
		span.End()
		return b.syntheticStream(req), nil
	}
	if admission == ratelimiter.WaitForMs {
		sleepFor := wait
		if sleepFor > waitCeiling {
			sleepFor = waitCeiling
		}
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			span.End()
			return nil, ctx.Err()
		}
	}

	client := b.providers[req.ProviderTag]
	key, err := b.pool.Acquire(req.ProviderTag)
	if err != nil {
		atomic.AddInt64(&b.noKeyAvailableRejects, 1)
		span.End()
		return b.syntheticStream(req), nil
	}

	var upstream <-chan providers.StreamChunk
	var startErr error
	breakerErr := b.breakers.CallWithBreaker(req.ProviderTag, func() error {
		rc := &providers.RequestContext{Ctx: ctx, Request: req, APIKey: key.Secret}
		ch, serr := client.Stream(rc)
		if serr != nil {
			startErr = serr
			return serr
		}
		upstream = ch
		return nil
	})
	if breakerErr != nil {
		if !errors.Is(breakerErr, circuitbreaker.ErrOpen) {
			b.accountError(key, startErr)
		} else {
			atomic.AddInt64(&b.circuitOpenRejects, 1)
		}
		span.End()
		return b.syntheticStream(req), nil
	}

	out := make(chan providers.StreamChunk)
	go b.forwardStream(ctx, span, key, upstream, out)
	return out, nil
}

func (b *Broker) forwardStream(ctx context.Context, span trace.Span, key *keypool.APIKey, upstream <-chan providers.StreamChunk, out chan<- providers.StreamChunk) {
	defer close(out)
	defer span.End()

	var sawErr error
	for chunk := range upstream {
		if chunk.Err != nil {
			sawErr = chunk.Err
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
		if chunk.Done {
			break
		}
	}

	if sawErr != nil {
		b.accountError(key, sawErr)
		span.RecordError(sawErr)
		span.SetStatus(codes.Error, sawErr.Error())
		return
	}
	b.pool.MarkSuccess(key)
	atomic.AddInt64(&b.successfulRequests, 1)
}

// syntheticStream wraps a single cascade-resolved chunk in a channel, for
// the streaming paths that can't even begin their upstream call.
func (b *Broker) syntheticStream(req *types.Request) <-chan providers.StreamChunk {
	atomic.AddInt64(&b.fallbacksServed, 1)
	entry := b.cascade.Resolve(req)
	out := make(chan providers.StreamChunk, 1)
	out <- providers.StreamChunk{ContentDelta: entry.Content, Done: true}
	close(out)
	return out
}

// ResetKeyCooldown implements spec §6's reset_key_cooldown(provider, index?)
// → number_reset. A nil index resets every cooling key for provider.
func (b *Broker) ResetKeyCooldown(provider string, index *int) int {
	idx := -1
	if index != nil {
		idx = *index
	}
	n := b.pool.ResetCooldowns(provider, idx)
	if n > 0 {
		atomic.AddInt64(&b.autoRecoveries, int64(n))
	}
	return n
}

// RegisterServiceHealthUpdate implements spec §6's
// register_service_health_update(name, health, circuit_state,
// latency_p95_ms, error_rate) → void: an external health signal the broker
// stores for Stats to report but never computes itself.
func (b *Broker) RegisterServiceHealthUpdate(name string, health types.HealthStatus, circuitState string, latencyP95MS int64, errorRate float64) {
	b.serviceHealthMu.Lock()
	defer b.serviceHealthMu.Unlock()
	b.serviceHealth[name] = ServiceHealthUpdate{
		Health:       health,
		CircuitState: circuitState,
		LatencyP95MS: latencyP95MS,
		ErrorRate:    errorRate,
		UpdatedAt:    time.Now(),
	}
}

// ServiceHealthSnapshot returns a copy of every externally-registered
// service health update, keyed by component name.
func (b *Broker) ServiceHealthSnapshot() map[string]ServiceHealthUpdate {
	b.serviceHealthMu.RLock()
	defer b.serviceHealthMu.RUnlock()
	out := make(map[string]ServiceHealthUpdate, len(b.serviceHealth))
	for k, v := range b.serviceHealth {
		out[k] = v
	}
	return out
}

// Counters is the raw, monotonic dispatch-accounting surface the stats
// package reads to build a Stats snapshot (spec §4.9).
type Counters struct {
	TotalRequests         int64
	SuccessfulRequests    int64
	ValidationErrors      int64
	FallbacksServed       int64
	RateLimitLocalRejects int64
	RateLimitEvents       int64
	CircuitOpenRejects    int64
	NoKeyAvailableRejects int64
	AutoRecoveries        int64
}

// Counters returns a snapshot of the broker's own dispatch counters.
func (b *Broker) Counters() Counters {
	return Counters{
		TotalRequests:         atomic.LoadInt64(&b.totalRequests),
		SuccessfulRequests:    atomic.LoadInt64(&b.successfulRequests),
		ValidationErrors:      atomic.LoadInt64(&b.validationErrors),
		FallbacksServed:       atomic.LoadInt64(&b.fallbacksServed),
		RateLimitLocalRejects: atomic.LoadInt64(&b.rateLimitLocalRejects),
		RateLimitEvents:       atomic.LoadInt64(&b.rateLimitEvents),
		CircuitOpenRejects:    atomic.LoadInt64(&b.circuitOpenRejects),
		NoKeyAvailableRejects: atomic.LoadInt64(&b.noKeyAvailableRejects),
		AutoRecoveries:        atomic.LoadInt64(&b.autoRecoveries),
	}
}

// Pool, Limiters, Breakers, Health expose the broker's collaborators
// read-only, for the stats package to build per-provider breakdowns without
// the broker needing to duplicate their accessors.
func (b *Broker) Pool() *keypool.Pool                 { return b.pool }
func (b *Broker) Limiters() *ratelimiter.Manager       { return b.limiters }
func (b *Broker) Breakers() *circuitbreaker.Manager    { return b.breakers }
func (b *Broker) Health() *health.Monitor              { return b.health }
func (b *Broker) ProviderNames() []string {
	names := make([]string, 0, len(b.providers))
	for name := range b.providers {
		names = append(names, name)
	}
	return names
}
