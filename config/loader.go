// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// =============================================================================
// Broker configuration loader
// =============================================================================
// Unified config loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("BROKER").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure (spec §6 "Configuration surface")
// =============================================================================

// Config is the broker's complete configuration.
type Config struct {
	// Server is the broker's HTTP/metrics surface.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Providers maps a provider_tag to its dispatch settings.
	Providers map[string]ProviderConfig `yaml:"providers" env:"-"`

	// CircuitBreakers maps a dependency name to its breaker tuning.
	CircuitBreakers map[string]CircuitBreakerConfig `yaml:"circuit_breakers" env:"-"`

	// Health tunes the HealthMonitor's polling loop.
	Health HealthConfig `yaml:"health" env:"HEALTH"`

	// Fallback tunes the FallbackCache.
	Fallback FallbackConfig `yaml:"fallback" env:"FALLBACK"`

	// Cache tunes the optional MultiLevelCache (L1 + L2).
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Redis backs the L2 cache tier when Cache.EnableL2 is set.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log configures zap.
	Log LogConfig `yaml:"log" env:"LOG"`

	// ForceDirectAPI skips secondary transports (e.g. MCP) entirely.
	ForceDirectAPI bool `yaml:"force_direct_api" env:"FORCE_DIRECT_API"`
	// MCPDisabled treats the MCP channel as DECOMMISSIONED.
	MCPDisabled bool `yaml:"mcp_disabled" env:"MCP_DISABLED"`
}

// ServerConfig is the HTTP server surface cmd/broker exposes.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// AllowQueryAPIKey permits passing an API key via query string, for
	// clients that cannot set headers. Off by default.
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
}

// TokenBudget is a per-provider spend/usage ceiling (spec §4.2).
type TokenBudget struct {
	PerMinute int64   `yaml:"per_minute" env:"PER_MINUTE"`
	PerHour   int64   `yaml:"per_hour" env:"PER_HOUR"`
	PerDay    int64   `yaml:"per_day" env:"PER_DAY"`
	CostPerHour float64 `yaml:"cost_per_hour" env:"COST_PER_HOUR"`
	CostPerDay  float64 `yaml:"cost_per_day" env:"COST_PER_DAY"`
}

// ProviderConfig is one provider's dispatch settings (spec §6).
type ProviderConfig struct {
	BaseURL           string      `yaml:"base_url" env:"BASE_URL"`
	DefaultModel      string      `yaml:"default_model" env:"DEFAULT_MODEL"`
	TimeoutSeconds    int         `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	MaxRetries        int         `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelaySeconds int         `yaml:"retry_delay_seconds" env:"RETRY_DELAY_SECONDS"`
	RateLimitRPM      float64     `yaml:"rate_limit_rpm" env:"RATE_LIMIT_RPM"`
	TokenBudget       TokenBudget `yaml:"token_budget" env:"TOKEN_BUDGET"`
}

// CircuitBreakerConfig tunes one dependency's breaker (spec §4.3/§6).
type CircuitBreakerConfig struct {
	FailMax         int           `yaml:"fail_max" env:"FAIL_MAX"`
	TimeoutDuration time.Duration `yaml:"timeout_duration" env:"TIMEOUT_DURATION"`
	ExpectedErrors  []string      `yaml:"expected_errors" env:"EXPECTED_ERRORS"`
}

// HealthConfig tunes the HealthMonitor (spec §4.4/§6).
type HealthConfig struct {
	IntervalSeconds            int `yaml:"interval_seconds" env:"INTERVAL_SECONDS"`
	ProbeTimeoutSeconds        int `yaml:"probe_timeout_seconds" env:"PROBE_TIMEOUT_SECONDS"`
	RecoveryMinIntervalSeconds int `yaml:"recovery_min_interval_seconds" env:"RECOVERY_MIN_INTERVAL_SECONDS"`
}

// FallbackConfig tunes the FallbackCache (spec §4.6/§6).
type FallbackConfig struct {
	CacheMaxSize      int `yaml:"cache_max_size" env:"CACHE_MAX_SIZE"`
	CacheTTLSeconds   int `yaml:"cache_ttl_seconds" env:"CACHE_TTL_SECONDS"`
}

// CacheConfig tunes the optional MultiLevelCache (spec §4.8/§6).
type CacheConfig struct {
	EnableL1           bool          `yaml:"enable_l1" env:"ENABLE_L1"`
	EnableL2           bool          `yaml:"enable_l2" env:"ENABLE_L2"`
	L1MaxSize          int           `yaml:"l1_max_size" env:"L1_MAX_SIZE"`
	L1TTL              time.Duration `yaml:"l1_ttl" env:"L1_TTL"`
	L2TTL              time.Duration `yaml:"l2_ttl" env:"L2_TTL"`
	PromotionThreshold int           `yaml:"promotion_threshold" env:"PROMOTION_THRESHOLD"`
}

// RedisConfig configures the optional L2 cache backend.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// =============================================================================
// Loader (builder pattern)
// =============================================================================

// Loader loads configuration (Builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new Loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BROKER",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads config: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv overrides scalar fields from environment variables. Maps
// (Providers, CircuitBreakers) are intentionally skipped here — their keys
// are not known ahead of time, so they are configured via YAML only; env
// overrides apply to the remaining fixed-shape sections.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads config, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads config from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks invariants the loader itself cannot enforce structurally.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider must be configured")
	}
	for name, pc := range c.Providers {
		if pc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("provider %q: base_url is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
