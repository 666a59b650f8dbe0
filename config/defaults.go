// =============================================================================
// Broker default configuration
// =============================================================================
// Sensible defaults for every config section. Providers and CircuitBreakers
// default to empty maps: the broker has no opinion about which providers
// exist, only how each one behaves once configured (spec §6).
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:          DefaultServerConfig(),
		Providers:       make(map[string]ProviderConfig),
		CircuitBreakers: make(map[string]CircuitBreakerConfig),
		Health:          DefaultHealthConfig(),
		Fallback:        DefaultFallbackConfig(),
		Cache:           DefaultCacheConfig(),
		Redis:           DefaultRedisConfig(),
		Log:             DefaultLogConfig(),
		ForceDirectAPI:  false,
		MCPDisabled:     false,
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		MetricsPort:      9091,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		AllowQueryAPIKey: false,
	}
}

// DefaultProviderConfig returns the defaults one provider gets before its
// YAML overrides are applied.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		TimeoutSeconds:    120,
		MaxRetries:        3,
		RetryDelaySeconds: 1,
		RateLimitRPM:      60,
		TokenBudget: TokenBudget{
			PerMinute: 100_000,
			PerHour:   1_000_000,
			PerDay:    10_000_000,
		},
	}
}

// DefaultCircuitBreakerConfig matches spec §4.3's illustrative defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailMax:         5,
		TimeoutDuration: 30 * time.Second,
	}
}

// DefaultHealthConfig matches spec §4.4's illustrative defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		IntervalSeconds:            30,
		ProbeTimeoutSeconds:        10,
		RecoveryMinIntervalSeconds: 60,
	}
}

// DefaultFallbackConfig matches spec §4.6's illustrative defaults.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		CacheMaxSize:    1000,
		CacheTTLSeconds: 600,
	}
}

// DefaultCacheConfig matches spec §4.8's illustrative defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		EnableL1:           true,
		EnableL2:           false,
		L1MaxSize:          1000,
		L1TTL:              5 * time.Minute,
		L2TTL:              time.Hour,
		PromotionThreshold: 3,
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
