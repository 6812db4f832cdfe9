// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads capcore settings from defaults, YAML files and the environment.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides: CAPCORE_LOG_LEVEL -> log.level.
const EnvPrefix = "CAPCORE_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Execution ExecutionConfig `koanf:"execution"`
	MCP       MCPConfig       `koanf:"mcp"`
	Session   SessionConfig   `koanf:"session"`
	Audit     AuditConfig     `koanf:"audit"`
	Manifests ManifestsConfig `koanf:"manifests"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled            bool   `koanf:"enabled"`
	Exporter           string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
	ServiceName        string `koanf:"service_name"`
}

// ExecutionConfig applies to stateless provider executors.
type ExecutionConfig struct {
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

type MCPConfig struct {
	Timeout         time.Duration `koanf:"timeout"`
	ProtocolVersion string        `koanf:"protocol_version"`
	ClientName      string        `koanf:"client_name"`
	ClientVersion   string        `koanf:"client_version"`
}

// SessionConfig controls the session pools. A zero TTL keeps sessions for the
// process lifetime.
type SessionConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Driver  string `koanf:"driver"` // memory, sqlite
	DSN     string `koanf:"dsn"`
}

type ManifestsConfig struct {
	Paths []string `koanf:"paths"`
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.service_name", "capcore")

	k.Set("execution.default_timeout", "30s")

	k.Set("mcp.timeout", "30s")
	k.Set("mcp.protocol_version", "")
	k.Set("mcp.client_name", "capcore")
	k.Set("mcp.client_version", "0.1.0")

	k.Set("session.ttl", "0s")

	k.Set("audit.enabled", false)
	k.Set("audit.driver", "memory")
	k.Set("audit.dsn", "")
}

// Load builds a Config from defaults, then each YAML file in order, then
// CAPCORE_ environment variables. Every call starts from a fresh koanf instance.
func Load(paths ...string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	// 1. Load from files, later files override earlier ones
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (CAPCORE_MCP_CLIENT_NAME -> mcp.client_name)
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps an environment variable to a koanf path. Only the first underscore
// separates the section, so multi-word fields keep their names.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}
