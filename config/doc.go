// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config provides the broker's configuration surface (spec §6):
per-provider dispatch settings, per-dependency circuit breaker tuning,
health-monitor intervals, fallback/cache sizing, Redis, logging, and the
force_direct_api/mcp_disabled feature flags.

# Overview

Config is loaded by Loader, a builder that merges three sources in order:
defaults, an optional YAML file, then environment variables (BROKER_ prefix
by default). Struct tags drive both: `yaml:"..."` for file unmarshaling,
`env:"..."` for the reflection-based env-var walk in setFieldsFromEnv.
Map-valued sections (Providers, CircuitBreakers) are configured via YAML
only, since their keys are not known ahead of time.

# Usage

	cfg, err := config.NewLoader().
	    WithConfigPath("config.yaml").
	    WithEnvPrefix("BROKER").
	    Load()
*/
package config
