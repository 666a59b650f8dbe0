package stats

import (
	"context"
	"testing"

	"github.com/marketflow/llmbroker/broker"
	"github.com/marketflow/llmbroker/circuitbreaker"
	"github.com/marketflow/llmbroker/keypool"
	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/ratelimiter"
	"github.com/marketflow/llmbroker/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubClient struct{ name string }

func (s *stubClient) Name() string { return s.name }
func (s *stubClient) Complete(rc *providers.RequestContext) (*types.Response, error) {
	return &types.Response{Success: true, Content: "ok", TokenUsage: &types.TokenUsage{Total: 3}}, nil
}
func (s *stubClient) Stream(rc *providers.RequestContext) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk)
	close(ch)
	return ch, nil
}
func (s *stubClient) HealthCheck(ctx context.Context) (*types.HealthCheckResult, error) {
	return &types.HealthCheckResult{Component: s.name, Status: types.HealthHealthy}, nil
}
func (s *stubClient) EstimateTokens(req *types.Request) int { return 1 }

func TestScore_NoAttemptsNoCallsNoComponents(t *testing.T) {
	// Zero recovery attempts -> zero credit there; zero calls -> trip_rate 0
	// -> full circuit credit; zero registered components -> vacuously healthy.
	score := Score(0, 0, 0, 0, 0, 0)
	assert.Equal(t, 6.0, score) // 0 + 3.0 + 3.0
}

func TestScore_PerfectRecoveryAndHealth(t *testing.T) {
	score := Score(5, 5, 100, 0, 4, 4)
	assert.Equal(t, 10.0, score)
}

func TestScore_HighTripRateFloorsCircuitComponentAtZero(t *testing.T) {
	score := Score(0, 0, 100, 40, 0, 0) // trip_rate_percent = 40 -> circuit_component would be -1
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 10.0)
}

// TestProperty6_AutonomyScoreBounds is spec §8 Property 6: for any inputs,
// 0.0 <= autonomy_score <= 10.0.
func TestProperty6_AutonomyScoreBounds(t *testing.T) {
	cases := []struct {
		attempts, successes, calls, trips int64
		healthy, total                    int
	}{
		{0, 0, 0, 0, 0, 0},
		{10, 0, 0, 0, 0, 1},
		{0, 0, 1, 1000, 0, 5},
		{100, 100, 1, 0, 10, 10},
		{3, 7, 5, 5, 2, 1}, // malformed (successes > attempts, healthy > total) must still clamp
	}
	for _, c := range cases {
		score := Score(c.attempts, c.successes, c.calls, c.trips, c.healthy, c.total)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 10.0)
	}
}

func TestScore_ZeroAttemptsGivesZeroRecoveryComponent(t *testing.T) {
	withAttempts := Score(10, 10, 0, 0, 0, 0)
	withoutAttempts := Score(0, 0, 0, 0, 0, 0)
	assert.Greater(t, withAttempts, withoutAttempts)
}

func testBroker(t *testing.T) *broker.Broker {
	t.Helper()
	pool, err := keypool.New(keypool.StaticKeySource{"p": {"k0", "k1"}}, []string{"p"}, zap.NewNop())
	require.NoError(t, err)
	return broker.New(broker.Config{
		Providers: map[string]providers.Client{"p": &stubClient{name: "p"}},
		Pool:      pool,
		Limiters:  ratelimiter.NewManager(nil, zap.NewNop()),
		Breakers:  circuitbreaker.NewManager(zap.NewNop()),
		Logger:    zap.NewNop(),
	})
}

func TestCollect_ReflectsDispatchedRequests(t *testing.T) {
	b := testBroker(t)
	b.Send(context.Background(), &types.Request{ProviderTag: "p", Prompt: "hi", EstimatedTokens: 5})

	snap := Collect(b)
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.SuccessfulRequests)
	require.Contains(t, snap.Providers, "p")
	assert.Equal(t, 2, snap.Providers["p"].ActiveKeys)
	assert.GreaterOrEqual(t, snap.AutonomyScore, 0.0)
	assert.LessOrEqual(t, snap.AutonomyScore, 10.0)
}
