// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config loads wartd settings from a YAML file and WART_*
// environment variables. Every key has a default, so both are optional.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: server.http is WART_SERVER_HTTP.
const EnvPrefix = "WART"

// Config is the complete daemon configuration.
type Config struct {
	Log       Log       `mapstructure:"log"`
	Server    Server    `mapstructure:"server"`
	Session   Session   `mapstructure:"session"`
	Store     Store     `mapstructure:"store"`
	Graph     Graph     `mapstructure:"graph"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

type Log struct {
	Level  string `mapstructure:"level"`  // debug, info, warn or error
	Format string `mapstructure:"format"` // text or json
}

// Server selects the transports. Any combination may be enabled.
type Server struct {
	Stdio bool `mapstructure:"stdio"`
	// Unix is a socket path served with the stream framing.
	Unix string `mapstructure:"unix"`
	// HTTP is a listen address, such as ":8080".
	HTTP string `mapstructure:"http"`

	ServiceName      string        `mapstructure:"service_name"`
	Prefix           string        `mapstructure:"prefix"`
	SigningKey       string        `mapstructure:"signing_key"` // empty means a random key per process
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	CompressionLevel int           `mapstructure:"compression_level"`
	MaxRequestBytes  int64         `mapstructure:"max_request_bytes"`
	DebugErrors      bool          `mapstructure:"debug_errors"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

type Session struct {
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	DefaultExTimeout time.Duration `mapstructure:"default_ex_timeout"`
	MaxSessions      int           `mapstructure:"max_sessions"`
	OpenRate         float64       `mapstructure:"open_rate"`
	OpenBurst        int           `mapstructure:"open_burst"`
	MaxSteps         uint64        `mapstructure:"max_steps"`
}

type Store struct {
	Backend  string `mapstructure:"backend"` // memory or redis
	RedisURL string `mapstructure:"redis_url"`
}

type Graph struct {
	Backend     string `mapstructure:"backend"` // none, memory or postgres
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

type Telemetry struct {
	Tracing  bool   `mapstructure:"tracing"`
	Metrics  bool   `mapstructure:"metrics"`
	Exporter string `mapstructure:"exporter"` // stdout
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.stdio", false)
	v.SetDefault("server.unix", "")
	v.SetDefault("server.http", "")
	v.SetDefault("server.service_name", "wart-worker")
	v.SetDefault("server.prefix", "/wart")
	v.SetDefault("server.signing_key", "")
	v.SetDefault("server.token_ttl", 5*time.Minute)
	v.SetDefault("server.compression_level", 3)
	v.SetDefault("server.max_request_bytes", int64(64<<20))
	v.SetDefault("server.debug_errors", false)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.idle_timeout", 10*time.Minute)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.default_ex_timeout", 30*time.Second)
	v.SetDefault("session.max_sessions", 0)
	v.SetDefault("session.open_rate", 0.0)
	v.SetDefault("session.open_burst", 1)
	v.SetDefault("session.max_steps", uint64(0))

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")

	v.SetDefault("graph.backend", "none")
	v.SetDefault("graph.postgres_dsn", "")
	v.SetDefault("graph.max_conns", 8)

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", false)
	v.SetDefault("telemetry.exporter", "stdout")
}

// New returns a viper instance with the defaults and environment binding
// in place. Commands bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path, when not empty, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be checked by type alone.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if !c.Server.Stdio && c.Server.Unix == "" && c.Server.HTTP == "" {
		errs = append(errs, errors.New("no transport enabled: set server.stdio, server.unix or server.http"))
	}
	if c.Server.SigningKey != "" && len(c.Server.SigningKey) < 16 {
		errs = append(errs, errors.New("server.signing_key must be at least 16 bytes"))
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	switch c.Graph.Backend {
	case "none", "memory":
	case "postgres":
		if c.Graph.PostgresDSN == "" {
			errs = append(errs, errors.New("graph.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown graph.backend %q", c.Graph.Backend))
	}
	if (c.Telemetry.Tracing || c.Telemetry.Metrics) && c.Telemetry.Exporter != "stdout" {
		errs = append(errs, fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter))
	}
	return errors.Join(errs...)
}
