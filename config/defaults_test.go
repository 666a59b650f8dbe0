package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, HealthConfig{}, cfg.Health)
	assert.NotEqual(t, FallbackConfig{}, cfg.Fallback)
	assert.NotEqual(t, CacheConfig{}, cfg.Cache)
	assert.NotNil(t, cfg.Providers)
	assert.NotNil(t, cfg.CircuitBreakers)
	assert.Empty(t, cfg.Providers)
	assert.Empty(t, cfg.CircuitBreakers)
	assert.False(t, cfg.ForceDirectAPI)
	assert.False(t, cfg.MCPDisabled)
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.AllowQueryAPIKey)
}

func TestDefaultProviderConfig(t *testing.T) {
	cfg := DefaultProviderConfig()
	assert.Equal(t, 120, cfg.TimeoutSeconds)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 1, cfg.RetryDelaySeconds)
	assert.InDelta(t, 60, cfg.RateLimitRPM, 0.001)
	assert.Equal(t, int64(100_000), cfg.TokenBudget.PerMinute)
	assert.Equal(t, int64(1_000_000), cfg.TokenBudget.PerHour)
	assert.Equal(t, int64(10_000_000), cfg.TokenBudget.PerDay)
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	assert.Equal(t, 5, cfg.FailMax)
	assert.Equal(t, 30*time.Second, cfg.TimeoutDuration)
}

func TestDefaultHealthConfig(t *testing.T) {
	cfg := DefaultHealthConfig()
	assert.Equal(t, 30, cfg.IntervalSeconds)
	assert.Equal(t, 10, cfg.ProbeTimeoutSeconds)
	assert.Equal(t, 60, cfg.RecoveryMinIntervalSeconds)
}

func TestDefaultFallbackConfig(t *testing.T) {
	cfg := DefaultFallbackConfig()
	assert.Equal(t, 1000, cfg.CacheMaxSize)
	assert.Equal(t, 600, cfg.CacheTTLSeconds)
}

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	assert.True(t, cfg.EnableL1)
	assert.False(t, cfg.EnableL2)
	assert.Equal(t, 1000, cfg.L1MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.L1TTL)
	assert.Equal(t, time.Hour, cfg.L2TTL)
	assert.Equal(t, 3, cfg.PromotionThreshold)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}
