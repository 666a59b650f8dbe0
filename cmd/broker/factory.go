package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marketflow/llmbroker/broker"
	"github.com/marketflow/llmbroker/cache"
	"github.com/marketflow/llmbroker/circuitbreaker"
	"github.com/marketflow/llmbroker/config"
	"github.com/marketflow/llmbroker/health"
	"github.com/marketflow/llmbroker/keypool"
	"github.com/marketflow/llmbroker/providers"
	"github.com/marketflow/llmbroker/providers/deepseek"
	"github.com/marketflow/llmbroker/providers/ollama"
	"github.com/marketflow/llmbroker/providers/openaicompat"
	"github.com/marketflow/llmbroker/providers/perplexity"
	"github.com/marketflow/llmbroker/providers/qwen"
	"github.com/marketflow/llmbroker/ratelimiter"
	"github.com/marketflow/llmbroker/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// waitCeilingDefault is the ratelimiter's own WaitCeiling (spec §4.2:
// "default 10s"); the broker separately caps each admission sleep at its
// own, shorter waitCeiling.
const waitCeilingDefault = 10 * time.Second

// envKeySource reads each provider's API keys from BROKER_APIKEYS_<PROVIDER>
// (comma-separated). Secrets never pass through YAML, matching spec.md §1's
// exclusion of persistent credential storage: they live only in the process
// environment for the lifetime of the broker.
type envKeySource struct{}

func (envKeySource) Secrets(provider string) ([]string, error) {
	envName := "BROKER_APIKEYS_" + sanitizeEnvSuffix(provider)
	raw := os.Getenv(envName)
	if raw == "" {
		return nil, fmt.Errorf("no keys configured in %s", envName)
	}
	var secrets []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			secrets = append(secrets, s)
		}
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("no keys configured in %s", envName)
	}
	return secrets, nil
}

func sanitizeEnvSuffix(provider string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(provider) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// newProviderClient builds the concrete providers.Client for one configured
// provider, wrapped in a providers.RetryingClient driven by the provider's
// own max_retries/retry_delay_seconds (spec §4.5: "Retry loop up to
// max_retries with exponential backoff"; §7's NetworkError/
// UpstreamServerError/429 rows all resolve to "Retry with backoff"). The
// provider name selects which OpenAI-compatible wrapper (or Ollama) to
// build; anything unrecognized falls back to the generic openaicompat.Provider
// so adding a provider only needs a config entry, not a code change.
func newProviderClient(name string, pc config.ProviderConfig, logger *zap.Logger) providers.Client {
	timeout := time.Duration(pc.TimeoutSeconds) * time.Second
	var base providers.Client
	switch name {
	case "deepseek":
		base = deepseek.New(deepseek.Config{BaseURL: pc.BaseURL, Model: pc.DefaultModel, Timeout: timeout}, logger)
	case "qwen":
		base = qwen.New(qwen.Config{BaseURL: pc.BaseURL, Model: pc.DefaultModel, Timeout: timeout}, logger)
	case "perplexity":
		base = perplexity.New(perplexity.Config{BaseURL: pc.BaseURL, Model: pc.DefaultModel, Timeout: timeout}, logger)
	case "ollama":
		base = ollama.New(ollama.Config{BaseURL: pc.BaseURL, Model: pc.DefaultModel, Timeout: timeout}, logger)
	default:
		base = openaicompat.New(openaicompat.Config{
			ProviderName: name,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Timeout:      timeout,
		}, logger)
	}

	retryConfig := providers.DefaultRetryConfig()
	retryConfig.MaxRetries = pc.MaxRetries
	if pc.RetryDelaySeconds > 0 {
		retryConfig.InitialDelay = time.Duration(pc.RetryDelaySeconds) * time.Second
	}
	return providers.NewRetryingClient(base, retryConfig, logger)
}

// burstFor derives a local token-bucket burst from a requests-per-minute
// budget: a quarter of the per-minute rate, floored at 1.
func burstFor(rpm float64) int {
	b := int(rpm / 4)
	if b < 1 {
		b = 1
	}
	return b
}

// buildBroker wires every collaborator (keypool, ratelimiter,
// circuitbreaker, health, optional multi-level cache, provider clients)
// from cfg into a broker.Broker, mirroring the teacher's NewServer
// construction sequence in cmd/agentflow/server.go but building a
// *broker.Broker in place of a gorm-backed service graph.
func buildBroker(cfg *config.Config, logger *zap.Logger) (*broker.Broker, error) {
	providerNames := make([]string, 0, len(cfg.Providers))
	clients := make(map[string]providers.Client, len(cfg.Providers))
	budgets := make(map[string]ratelimiter.Budget, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		providerNames = append(providerNames, name)
		clients[name] = newProviderClient(name, pc, logger)
		budgets[name] = ratelimiter.Budget{
			TokensPerMinute: pc.TokenBudget.PerMinute,
			TokensPerHour:   pc.TokenBudget.PerHour,
			TokensPerDay:    pc.TokenBudget.PerDay,
			CostPerHour:     pc.TokenBudget.CostPerHour,
			CostPerDay:      pc.TokenBudget.CostPerDay,
			LocalRPS:        pc.RateLimitRPM / 60.0,
			LocalBurst:      burstFor(pc.RateLimitRPM),
			WaitCeiling:     waitCeilingDefault,
		}
	}

	pool, err := keypool.New(envKeySource{}, providerNames, logger)
	if err != nil {
		return nil, fmt.Errorf("build key pool: %w", err)
	}

	limiters := ratelimiter.NewManager(budgets, logger)

	breakers := circuitbreaker.NewManager(logger)
	for name, bc := range cfg.CircuitBreakers {
		breakers.RegisterBreaker(name, circuitbreaker.Config{
			FailMax:          bc.FailMax,
			TimeoutDuration:  bc.TimeoutDuration,
			ExpectedErrorSet: bc.ExpectedErrors,
		})
	}
	for name := range cfg.Providers {
		if _, ok := cfg.CircuitBreakers[name]; !ok {
			def := config.DefaultCircuitBreakerConfig()
			breakers.RegisterBreaker(name, circuitbreaker.Config{
				FailMax:         def.FailMax,
				TimeoutDuration: def.TimeoutDuration,
			})
		}
	}

	monitor := health.New(health.Config{
		Interval:            time.Duration(cfg.Health.IntervalSeconds) * time.Second,
		ProbeTimeout:        time.Duration(cfg.Health.ProbeTimeoutSeconds) * time.Second,
		RecoveryMinInterval: time.Duration(cfg.Health.RecoveryMinIntervalSeconds) * time.Second,
		RecoveryGrace:       5 * time.Second,
	}, logger)
	for name, client := range clients {
		c := client
		cName := name
		monitor.RegisterHealthCheck(cName, func(ctx context.Context) types.HealthCheckResult {
			res, err := c.HealthCheck(ctx)
			if err != nil {
				return types.HealthCheckResult{Component: cName, Status: types.HealthUnhealthy, Message: err.Error(), CheckedAt: time.Now()}
			}
			return *res
		}, nil)
	}
	if cfg.MCPDisabled {
		monitor.Decommission("mcp_server")
	}

	var multiCache *cache.MultiLevelCache
	if cfg.Cache.EnableL1 || cfg.Cache.EnableL2 {
		var rdb *redis.Client
		if cfg.Cache.EnableL2 {
			rdb = redis.NewClient(&redis.Options{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
			})
		}
		multiCache = cache.New(rdb, cache.Config{
			EnableL1:           cfg.Cache.EnableL1,
			EnableL2:           cfg.Cache.EnableL2,
			L1MaxSize:          cfg.Cache.L1MaxSize,
			L1TTL:              cfg.Cache.L1TTL,
			L2TTL:              cfg.Cache.L2TTL,
			PromotionThreshold: cfg.Cache.PromotionThreshold,
		}, logger)
	}

	return broker.New(broker.Config{
		Providers:  clients,
		Pool:       pool,
		Limiters:   limiters,
		Breakers:   breakers,
		Health:     monitor,
		MultiCache: multiCache,
		Logger:     logger,
	}), nil
}
