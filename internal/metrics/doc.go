/*
Package metrics provides Prometheus-based instrumentation for the broker's
HTTP surface and dispatch pipeline.

# Overview

Collector registers and records Prometheus metrics via promauto, so callers
never manage a Registry by hand. Metrics are grouped by domain: HTTP
(cmd/broker's server), dispatch (provider calls, tokens, cost), cache
(fallback cache hit/miss by tier), circuit-breaker trip and rate-limit
rejection counters, and the key pool / autonomy-score gauges the stats
package publishes.
*/
package metrics
