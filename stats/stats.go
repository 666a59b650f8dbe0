// Package stats implements the Stats snapshot and autonomy score from spec
// §4.9: a read-only aggregation over the broker's collaborators (KeyPool,
// RateLimiter, CircuitBreaker Manager, HealthMonitor) plus the broker's own
// dispatch counters, and the derived 0-10 operational-health scalar. It is
// grounded on the teacher's llm.HealthMonitor.GetHealthScore
// (llm/health_monitor.go) for the "probe failure -> zero credit" shape,
// generalized into the three-component weighted sum spec §4.9 defines, and
// on internal/metrics.Collector (promauto pattern) for publishing the score
// and per-provider breakdowns as Prometheus gauges.
package stats

import (
	"math"
	"time"

	"github.com/marketflow/llmbroker/broker"
	"github.com/marketflow/llmbroker/circuitbreaker"
	"github.com/marketflow/llmbroker/internal/metrics"
	"github.com/marketflow/llmbroker/keypool"
	"github.com/marketflow/llmbroker/ratelimiter"
	"github.com/marketflow/llmbroker/types"
)

// ProviderBreakdown is one provider's current key-pool and rate-limiter
// state, as required by spec §4.9's "per-provider breakdowns".
type ProviderBreakdown struct {
	Provider     string
	KeyStates    map[keypool.KeyState]int
	ActiveKeys   int
	RateLimiter  ratelimiter.Metrics
}

// Snapshot is the Stats snapshot from spec §4.9: request totals and
// per-provider breakdowns, key_pool alerts, rate_limit_events,
// auto_recoveries, per-breaker counters and states, per-component health,
// last_health_check timestamp, MCP availability flags, and the derived
// autonomy score.
type Snapshot struct {
	TotalRequests      int64
	SuccessfulRequests int64
	ValidationErrors   int64
	FallbacksServed    int64
	RateLimitEvents    int64
	AutoRecoveries     int64

	Providers map[string]ProviderBreakdown
	KeyPoolAlerts []keypool.Alert

	Breakers map[string]circuitbreaker.BreakerMetrics

	ComponentHealth map[string]types.HealthCheckResult
	LastHealthCheck time.Time
	MCPAvailable    bool

	AutonomyScore float64
	GeneratedAt   time.Time
}

// Collect builds a Snapshot from b's current state. It never mutates b; all
// figures are read-only views over already-maintained counters.
func Collect(b *broker.Broker) *Snapshot {
	counters := b.Counters()

	providers := make(map[string]ProviderBreakdown)
	var alerts []keypool.Alert
	pool := b.Pool()
	limiters := b.Limiters()
	for _, name := range b.ProviderNames() {
		states := make(map[keypool.KeyState]int)
		for _, snap := range pool.IterAll(name) {
			states[snap.State]++
		}
		providers[name] = ProviderBreakdown{
			Provider:    name,
			KeyStates:   states,
			ActiveKeys:  pool.CountActive(name),
			RateLimiter: limiters.For(name).Metrics(),
		}
	}
	alerts = pool.Alerts()

	breakers := b.Breakers().GetMetrics()

	var componentHealth map[string]types.HealthCheckResult
	var lastHealthCheck time.Time
	mcpAvailable := true
	var recoveryAttempts, recoverySuccesses int64
	if hm := b.Health(); hm != nil {
		componentHealth = hm.AllStatuses()
		for _, result := range componentHealth {
			if result.CheckedAt.After(lastHealthCheck) {
				lastHealthCheck = result.CheckedAt
			}
		}
		if mcp, ok := componentHealth["mcp_server"]; ok {
			mcpAvailable = mcp.Status == types.HealthHealthy || mcp.Status == types.HealthDegraded
		}
		recoveryAttempts, recoverySuccesses = hm.RecoveryCounters()
	}

	var totalCalls, totalTrips int64
	for _, bm := range breakers {
		totalCalls += bm.Counters.TotalCalls
		totalTrips += bm.Counters.TotalTrips
	}

	healthyComponents, totalComponents := 0, len(componentHealth)
	for _, result := range componentHealth {
		if result.Status == types.HealthHealthy {
			healthyComponents++
		}
	}

	score := Score(recoveryAttempts, recoverySuccesses, totalCalls, totalTrips, healthyComponents, totalComponents)

	return &Snapshot{
		TotalRequests:      counters.TotalRequests,
		SuccessfulRequests: counters.SuccessfulRequests,
		ValidationErrors:   counters.ValidationErrors,
		FallbacksServed:    counters.FallbacksServed,
		RateLimitEvents:    counters.RateLimitEvents,
		AutoRecoveries:     counters.AutoRecoveries,
		Providers:          providers,
		KeyPoolAlerts:       alerts,
		Breakers:            breakers,
		ComponentHealth:     componentHealth,
		LastHealthCheck:     lastHealthCheck,
		MCPAvailable:        mcpAvailable,
		AutonomyScore:       score,
		GeneratedAt:         time.Now(),
	}
}

// Score computes the autonomy score from spec §4.9/§8 Property 6:
//
//	auto_recovery_component = (successes/attempts) * 4.0, 0 if attempts == 0
//	circuit_component = max(0, 3.0 - trip_rate_percent/10), trip_rate_percent = trips/max(1,calls)*100
//	health_component = (healthy/total) * 3.0, 3.0 if total == 0 (no registered components is vacuously healthy)
//
// The sum is rounded to one decimal and clamped to [0.0, 10.0] (spec §8
// Property 6: the bound must hold for any input, not just well-formed ones).
func Score(recoveryAttempts, recoverySuccesses, totalCalls, totalTrips int64, healthyComponents, totalComponents int) float64 {
	autoRecoveryComponent := 0.0
	if recoveryAttempts > 0 {
		autoRecoveryComponent = (float64(recoverySuccesses) / float64(recoveryAttempts)) * 4.0
	}

	calls := totalCalls
	if calls < 1 {
		calls = 1
	}
	tripRatePercent := float64(totalTrips) / float64(calls) * 100.0
	circuitComponent := 3.0 - tripRatePercent/10.0
	if circuitComponent < 0 {
		circuitComponent = 0
	}

	healthComponent := 3.0
	if totalComponents > 0 {
		healthComponent = (float64(healthyComponents) / float64(totalComponents)) * 3.0
	}

	total := autoRecoveryComponent + circuitComponent + healthComponent
	total = math.Round(total*10) / 10
	if total < 0 {
		total = 0
	}
	if total > 10 {
		total = 10
	}
	return total
}

// Publish writes snap's headline, idempotent-to-resample figures to c as
// Prometheus gauges, so a periodic stats tick can both answer stats() and
// feed Grafana in the same pass. It sets the autonomy-score and key-pool
// state gauges only; it does not record breaker trips or rate-limit
// rejections.
func Publish(snap *Snapshot, c *metrics.Collector) {
	c.SetAutonomyScore(snap.AutonomyScore)
	for provider, breakdown := range snap.Providers {
		for state, count := range breakdown.KeyStates {
			c.SetKeyPoolState(provider, string(state), count)
		}
	}
}
