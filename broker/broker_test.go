package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketflow/llmbroker/circuitbreaker"
	"github.com/marketflow/llmbroker/keypool"
	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/ratelimiter"
	"github.com/marketflow/llmbroker/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClient is a scriptable providers.Client: each call to Complete pops
// the next entry off responses (or errs), so a test can sequence exactly
// the upstream behavior a scenario needs.
type fakeClient struct {
	name      string
	responses []*types.Response
	errs      []error
	calls     int
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Complete(rc *providers.RequestContext) (*types.Response, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &types.Response{Success: true, Content: "default"}, nil
}

func (f *fakeClient) Stream(rc *providers.RequestContext) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{ContentDelta: "streamed", Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeClient) HealthCheck(ctx context.Context) (*types.HealthCheckResult, error) {
	return &types.HealthCheckResult{Component: f.name, Status: types.HealthHealthy}, nil
}

func (f *fakeClient) EstimateTokens(req *types.Request) int { return 10 }

func testBroker(t *testing.T, client *fakeClient) *Broker {
	t.Helper()
	pool, err := keypool.New(keypool.StaticKeySource{"p": {"k0"}}, []string{"p"}, zap.NewNop())
	require.NoError(t, err)
	limiters := ratelimiter.NewManager(nil, zap.NewNop())
	breakers := circuitbreaker.NewManager(zap.NewNop())
	return New(Config{
		Providers: map[string]providers.Client{"p": client},
		Pool:      pool,
		Limiters:  limiters,
		Breakers:  breakers,
		Logger:    zap.NewNop(),
	})
}

func req() *types.Request {
	return &types.Request{ProviderTag: "p", Prompt: "hello", EstimatedTokens: 5}
}

// TestScenarioS1_HappyPath: a clean Complete call returns success through
// the direct channel with the acquired key's index attached.
func TestScenarioS1_HappyPath(t *testing.T) {
	client := &fakeClient{name: "p", responses: []*types.Response{
		{Success: true, Content: "hi there", TokenUsage: &types.TokenUsage{Total: 12}},
	}}
	b := testBroker(t, client)

	resp := b.Send(context.Background(), req())

	assert.True(t, resp.Success)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, types.ChannelDirectAPI, resp.ChannelUsed)
	assert.True(t, resp.HasAPIKeyIndex)
	assert.Equal(t, 0, resp.APIKeyIndex)
	assert.Equal(t, int64(1), b.Counters().SuccessfulRequests)
}

// TestScenarioS2_RateLimitWithRetryAfter: a 429 with Retry-After: 2 cools
// the key for ~2s and the request falls back to the cascade.
func TestScenarioS2_RateLimitWithRetryAfter(t *testing.T) {
	client := &fakeClient{name: "p", errs: []error{
		types.NewError(types.ErrRateLimited429, "too many requests").WithProvider("p"),
	}}
	client.errs[0].(*types.Error).RetryAfterSeconds = 2
	b := testBroker(t, client)

	resp := b.Send(context.Background(), req())

	assert.True(t, resp.Success) // cascade always resolves
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, int64(1), b.Counters().RateLimitEvents)

	snap := b.pool.IterAll("p")[0]
	assert.Equal(t, keypool.StateCooling, snap.State)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), snap.CoolingUntil, 500*time.Millisecond)
}

// TestScenarioS3_AuthErrorDisablesKeyWithoutTrippingBreaker: an auth error
// permanently disables the one key, but the breaker stays CLOSED since auth
// errors are exempted (spec §4.3).
func TestScenarioS3_AuthErrorDisablesKeyWithoutTrippingBreaker(t *testing.T) {
	client := &fakeClient{name: "p", errs: []error{
		types.NewError(types.ErrAuthError, "bad key").WithProvider("p"),
	}}
	b := testBroker(t, client)

	b.Send(context.Background(), req())

	snap := b.pool.IterAll("p")[0]
	assert.Equal(t, keypool.StateDisabled, snap.State)

	state, err := b.breakers.GetBreakerState("p")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, state)
}

// TestScenarioS4_CircuitOpensAfterFailMax: enough consecutive non-exempt
// upstream failures trip the provider breaker to OPEN, after which further
// sends are rejected at the breaker without another upstream call.
func TestScenarioS4_CircuitOpensAfterFailMax(t *testing.T) {
	client := &fakeClient{name: "p"}
	for i := 0; i < 10; i++ {
		client.errs = append(client.errs, types.NewError(types.ErrUpstreamServerError, "boom").WithProvider("p"))
	}
	b := testBroker(t, client)
	b.breakers.RegisterBreaker("p", circuitbreaker.Config{FailMax: 3, TimeoutDuration: time.Minute})

	for i := 0; i < 3; i++ {
		b.Send(context.Background(), req())
	}

	state, err := b.breakers.GetBreakerState("p")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, state)

	callsBefore := client.calls
	resp := b.Send(context.Background(), req())
	assert.True(t, resp.Success)
	assert.Equal(t, callsBefore, client.calls, "breaker-open request must not reach the upstream client")
	assert.Equal(t, int64(1), b.Counters().CircuitOpenRejects)
}

// TestScenarioS5_CacheCoalescing: a later request that opts into cached
// hits picks up the fingerprint a prior dispatch stored.
func TestScenarioS5_CacheCoalescing(t *testing.T) {
	client := &fakeClient{name: "p", responses: []*types.Response{
		{Success: true, Content: "first"},
	}}
	b := testBroker(t, client)

	r := req()
	first := b.Send(context.Background(), r)
	assert.True(t, first.Success)
	assert.Equal(t, "first", first.Content)

	r2 := req()
	r2.AllowCachedHit = true
	second := b.Send(context.Background(), r2)
	assert.True(t, second.Success)
	assert.Equal(t, "first", second.Content)
	assert.Equal(t, types.ChannelCache, second.ChannelUsed)
}

// slowCountingClient counts Complete calls atomically and blocks until
// released, so a test can force a burst of concurrent Send calls to
// actually overlap a single in-flight upstream call instead of racing to
// completion serially.
type slowCountingClient struct {
	name    string
	calls   int64
	release chan struct{}
}

func (s *slowCountingClient) Name() string { return s.name }

func (s *slowCountingClient) Complete(rc *providers.RequestContext) (*types.Response, error) {
	atomic.AddInt64(&s.calls, 1)
	<-s.release
	return &types.Response{Success: true, Content: "built-once"}, nil
}

func (s *slowCountingClient) Stream(rc *providers.RequestContext) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (s *slowCountingClient) HealthCheck(ctx context.Context) (*types.HealthCheckResult, error) {
	return &types.HealthCheckResult{Component: s.name, Status: types.HealthHealthy}, nil
}

func (s *slowCountingClient) EstimateTokens(req *types.Request) int { return 5 }

// TestScenarioS5_BuildCoalescing_ConcurrentIdenticalRequestsDispatchOnce
// exercises spec §4.6's core invariant directly: for a burst of N
// concurrent callers sharing one fingerprint, exactly one upstream call is
// observed and every caller receives that call's result (§8 Property 3,
// scenario S5: "exactly one HTTP POST observed" for 10 concurrent identical
// requests).
func TestScenarioS5_BuildCoalescing_ConcurrentIdenticalRequestsDispatchOnce(t *testing.T) {
	client := &slowCountingClient{name: "p", release: make(chan struct{})}
	pool, err := keypool.New(keypool.StaticKeySource{"p": {"k0"}}, []string{"p"}, zap.NewNop())
	require.NoError(t, err)
	b := New(Config{
		Providers: map[string]providers.Client{"p": client},
		Pool:      pool,
		Limiters:  ratelimiter.NewManager(nil, zap.NewNop()),
		Breakers:  circuitbreaker.NewManager(zap.NewNop()),
		Logger:    zap.NewNop(),
	})

	const n = 10
	var wg sync.WaitGroup
	responses := make([]*types.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = b.Send(context.Background(), req())
		}(i)
	}

	// Give every goroutine a chance to reach the in-flight build before
	// releasing it, so the burst genuinely overlaps a single dispatch.
	time.Sleep(50 * time.Millisecond)
	close(client.release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&client.calls))
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.True(t, resp.Success)
		assert.Equal(t, "built-once", resp.Content)
	}
}

// TestScenarioS6_DegradedFallback: no key available for the provider routes
// straight to the fallback cascade instead of erroring out.
func TestScenarioS6_DegradedFallback(t *testing.T) {
	client := &fakeClient{name: "p"}
	pool, err := keypool.New(keypool.StaticKeySource{}, []string{}, zap.NewNop())
	require.NoError(t, err)
	b := New(Config{
		Providers: map[string]providers.Client{"p": client},
		Pool:      pool,
		Limiters:  ratelimiter.NewManager(nil, zap.NewNop()),
		Breakers:  circuitbreaker.NewManager(zap.NewNop()),
		Logger:    zap.NewNop(),
	})

	resp := b.Send(context.Background(), req())

	assert.True(t, resp.Success)
	assert.Equal(t, types.FallbackSynthetic, resp.FallbackType)
	assert.Equal(t, int64(1), b.Counters().NoKeyAvailableRejects)
}

func TestSend_ValidationErrorNeverReachesCascade(t *testing.T) {
	client := &fakeClient{name: "p"}
	b := testBroker(t, client)

	bad := req()
	bad.Prompt = ""
	resp := b.Send(context.Background(), bad)

	assert.False(t, resp.Success)
	assert.Equal(t, int64(1), b.Counters().ValidationErrors)
	assert.Equal(t, 0, client.calls)
}

func TestSend_UnknownProviderIsValidationError(t *testing.T) {
	b := testBroker(t, &fakeClient{name: "p"})
	r := req()
	r.ProviderTag = "nope"
	resp := b.Send(context.Background(), r)
	assert.False(t, resp.Success)
}

func TestStream_HappyPathForwardsChunks(t *testing.T) {
	client := &fakeClient{name: "p"}
	b := testBroker(t, client)

	ch, err := b.Stream(context.Background(), req())
	require.NoError(t, err)

	var got []providers.StreamChunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "streamed", got[0].ContentDelta)
	assert.True(t, got[0].Done)
}

func TestResetKeyCooldown_ClearsCoolingKey(t *testing.T) {
	b := testBroker(t, &fakeClient{name: "p"})
	k0 := b.pool.IterAll("p")
	require.Len(t, k0, 1)

	client := &fakeClient{name: "p", errs: []error{
		types.NewError(types.ErrRateLimited429, "slow down").WithProvider("p"),
	}}
	b2 := testBroker(t, client)
	b2.Send(context.Background(), req())
	assert.Equal(t, keypool.StateCooling, b2.pool.IterAll("p")[0].State)

	n := b2.ResetKeyCooldown("p", nil)
	assert.Equal(t, 1, n)
	assert.Equal(t, keypool.StateHealthy, b2.pool.IterAll("p")[0].State)
	assert.Equal(t, int64(1), b2.Counters().AutoRecoveries)
}

func TestRegisterServiceHealthUpdate_StoresLatest(t *testing.T) {
	b := testBroker(t, &fakeClient{name: "p"})
	b.RegisterServiceHealthUpdate("mcp", types.HealthDegraded, "CLOSED", 150, 0.02)

	snap := b.ServiceHealthSnapshot()
	got, ok := snap["mcp"]
	require.True(t, ok)
	assert.Equal(t, types.HealthDegraded, got.Health)
	assert.Equal(t, int64(150), got.LatencyP95MS)
}
