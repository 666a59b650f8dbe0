// Package metrics provides the broker's Prometheus instrumentation: HTTP
// surface metrics for cmd/broker's server and request/token/cost/cache
// metrics for the dispatch pipeline. Internal only.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus vector the broker records against,
// grouped by domain. promauto registers each vector against the default
// registry at construction, so callers never manage a Registry by hand.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	keyPoolState   *prometheus.GaugeVec
	breakerTrips   *prometheus.CounterVec
	rateLimitRejects *prometheus.CounterVec
	autonomyScore  prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates and registers the broker's metric vectors under
// namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served by cmd/broker",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of provider dispatch attempts",
		},
		[]string{"provider", "channel", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Provider dispatch duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "type"}, // type: prompt, completion
	)

	c.llmCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_total",
			Help:      "Total provider cost in USD",
		},
		[]string{"provider"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of fallback cache hits",
		},
		[]string{"tier"}, // L1, L2
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of fallback cache misses",
		},
		[]string{"tier"},
	)

	c.keyPoolState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_pool_keys",
			Help:      "Number of keys per provider currently in each state",
		},
		[]string{"provider", "state"},
	)

	c.breakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times a breaker tripped to OPEN",
		},
		[]string{"dependency"},
	)

	c.rateLimitRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of requests rejected by the local rate limiter",
		},
		[]string{"provider"},
	)

	c.autonomyScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "autonomy_score",
			Help:      "Operational-health scalar in [0,10], see stats.Score",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one served HTTP request (cmd/broker's server).
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one provider dispatch attempt's outcome.
func (c *Collector) RecordDispatch(provider, channel, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	c.llmRequestsTotal.WithLabelValues(provider, channel, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	c.llmCost.WithLabelValues(provider).Add(cost)
}

// RecordCacheHit records a fallback cache hit at tier ("L1" or "L2").
func (c *Collector) RecordCacheHit(tier string) { c.cacheHits.WithLabelValues(tier).Inc() }

// RecordCacheMiss records a fallback cache miss at tier.
func (c *Collector) RecordCacheMiss(tier string) { c.cacheMisses.WithLabelValues(tier).Inc() }

// SetKeyPoolState sets the current key count for provider in state.
func (c *Collector) SetKeyPoolState(provider, state string, count int) {
	c.keyPoolState.WithLabelValues(provider, state).Set(float64(count))
}

// RecordBreakerTrip records one breaker transition into OPEN.
func (c *Collector) RecordBreakerTrip(dependency string) {
	c.breakerTrips.WithLabelValues(dependency).Inc()
}

// RecordRateLimitReject records one local rate-limit rejection.
func (c *Collector) RecordRateLimitReject(provider string) {
	c.rateLimitRejects.WithLabelValues(provider).Inc()
}

// SetAutonomyScore publishes the latest computed autonomy score.
func (c *Collector) SetAutonomyScore(score float64) {
	c.autonomyScore.Set(score)
}

// statusCode buckets an HTTP status into its class, matching the
// conventional Prometheus HTTP-metrics label shape.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
