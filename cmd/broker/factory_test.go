package main

import (
	"os"
	"testing"
	"time"

	"github.com/marketflow/llmbroker/circuitbreaker"
	"github.com/marketflow/llmbroker/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSanitizeEnvSuffix(t *testing.T) {
	assert.Equal(t, "MY_PROVIDER_V2", sanitizeEnvSuffix("my-provider.v2"))
}

func TestEnvKeySource_ReadsCommaSeparatedKeys(t *testing.T) {
	t.Setenv("BROKER_APIKEYS_DEEPSEEK", " k1 , k2 ,,k3")
	secrets, err := envKeySource{}.Secrets("deepseek")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2", "k3"}, secrets)
}

func TestEnvKeySource_ErrorsWhenUnset(t *testing.T) {
	os.Unsetenv("BROKER_APIKEYS_UNKNOWNPROVIDER")
	_, err := envKeySource{}.Secrets("unknownprovider")
	assert.Error(t, err)
}

func TestBurstFor_FloorsAtOne(t *testing.T) {
	assert.Equal(t, 1, burstFor(1))
	assert.Equal(t, 1, burstFor(2))
	assert.Equal(t, 15, burstFor(60))
}

func TestBuildBroker_RegistersDefaultBreakerForUnconfiguredProvider(t *testing.T) {
	t.Setenv("BROKER_APIKEYS_DEEPSEEK", "k0")
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"deepseek": {
				BaseURL:        "https://api.deepseek.com",
				DefaultModel:   "deepseek-chat",
				TimeoutSeconds: 30,
				RateLimitRPM:   60,
			},
		},
		CircuitBreakers: map[string]config.CircuitBreakerConfig{},
		Health: config.HealthConfig{
			IntervalSeconds:            30,
			ProbeTimeoutSeconds:        5,
			RecoveryMinIntervalSeconds: 60,
		},
	}

	b, err := buildBroker(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, b)

	state, err := b.Breakers().GetBreakerState("deepseek")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, state)
}

func TestBuildBroker_HonorsExplicitBreakerConfig(t *testing.T) {
	t.Setenv("BROKER_APIKEYS_QWEN", "k0")
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"qwen": {BaseURL: "https://dashscope.aliyuncs.com", DefaultModel: "qwen-max", TimeoutSeconds: 20, RateLimitRPM: 30},
		},
		CircuitBreakers: map[string]config.CircuitBreakerConfig{
			"qwen": {FailMax: 3, TimeoutDuration: 10 * time.Second},
		},
		Health: config.HealthConfig{IntervalSeconds: 0},
	}

	b, err := buildBroker(cfg, zap.NewNop())
	require.NoError(t, err)

	state, err := b.Breakers().GetBreakerState("qwen")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, state)
}
