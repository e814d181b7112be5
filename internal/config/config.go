// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

/*
Package config loads the offlinesync server configuration.

Configuration is layered with koanf, later layers overriding earlier ones:

 1. Built-in defaults (defaultConfig)
 2. A YAML file: CONFIG_PATH, else config.yaml, else /etc/offlinesync/config.yaml
 3. Environment variables

Every key can be set from the environment with the OFFLINESYNC_ prefix, a
double underscore separating sections:

	OFFLINESYNC_REMOTE__BASE_URL=https://db.example.org
	OFFLINESYNC_TRIGGER__MIN_INTERVAL=30s

A handful of short names are kept for container deployments: BACKEND_URL,
BACKEND_API_KEY, HTTP_HOST, HTTP_PORT, STORE_PATH, NATS_URL, NATS_ENABLED,
LOG_LEVEL, LOG_FORMAT and LOG_CALLER.

Example config.yaml:

	remote:
	  base_url: https://db.example.org
	  api_key: ${set via env}
	store:
	  path: /var/lib/offlinesync
	trigger:
	  min_interval: 10s
	scheduler:
	  sync_spec: "@every 5m"
*/
package config

import (
	"fmt"
	"time"

	"github.com/tomtom215/offlinesync/internal/bus"
	"github.com/tomtom215/offlinesync/internal/connectivity"
	"github.com/tomtom215/offlinesync/internal/engine"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/readpath"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/replay"
	"github.com/tomtom215/offlinesync/internal/scheduler"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/supervisor"
	"github.com/tomtom215/offlinesync/internal/validation"
)

// Config is the complete server configuration.
type Config struct {
	Server ServerConfig  `koanf:"server"`
	Remote remote.Config `koanf:"remote"`

	Store        store.Config               `koanf:"store"`
	Cache        engine.CacheConfig         `koanf:"cache"`
	Read         readpath.Config            `koanf:"read"`
	Write        mutation.Config            `koanf:"write"`
	Sync         replay.Config              `koanf:"sync"`
	Trigger      connectivity.TriggerConfig `koanf:"trigger"`
	Connectivity connectivity.Config        `koanf:"connectivity"`
	Bus          bus.Config                 `koanf:"bus"`

	NATS       bus.NATSConfig        `koanf:"nats"`
	Scheduler  scheduler.Config      `koanf:"scheduler"`
	Supervisor supervisor.TreeConfig `koanf:"supervisor"`
	Logging    LoggingConfig         `koanf:"logging"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`

	// CORSOrigins lists the origins allowed to call the API. A comma
	// separated string is accepted from the environment.
	CORSOrigins []string `koanf:"cors_origins"`

	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gte=0"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`

	// MetricsEnabled exposes Prometheus metrics at /metrics.
	MetricsEnabled bool `koanf:"metrics_enabled"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level" validate:"oneof=trace debug info warn error"`

	// Format is json for production or console for development.
	Format string `koanf:"format" validate:"oneof=json console"`

	// Caller adds file and line to every record.
	Caller bool `koanf:"caller"`
}

// LoggingConfig converts the section for logging.Init.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = c.Logging.Format
	cfg.Caller = c.Logging.Caller
	return cfg
}

// EngineConfig assembles the engine sections.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Store:        c.Store,
		Cache:        c.Cache,
		Read:         c.Read,
		Write:        c.Write,
		Sync:         c.Sync,
		Trigger:      c.Trigger,
		Connectivity: c.Connectivity,
		Bus:          c.Bus,
	}
}

// ValidationError reports an invalid configuration value. Key is the dotted
// koanf path of the offending setting.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Message)
}

// Validate checks struct rules first, then the rules spanning fields.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		first := verr.Errors()[0]
		return &ValidationError{Key: first.Path(), Message: verr.Error()}
	}

	if err := c.Store.Validate(); err != nil {
		return &ValidationError{Key: "store", Message: err.Error()}
	}
	if c.Trigger.RetryMax > 0 && c.Trigger.RetryMax < c.Trigger.RetryBase {
		return &ValidationError{Key: "trigger.retry_max", Message: "must not be below trigger.retry_base"}
	}
	if c.Sync.MaxBackoff > 0 && c.Sync.MaxBackoff < c.Sync.RetryBackoff {
		return &ValidationError{Key: "sync.max_backoff", Message: "must not be below sync.retry_backoff"}
	}
	if c.NATS.Enabled && !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return &ValidationError{Key: "nats.url", Message: "required when nats is enabled without the embedded server"}
	}
	if c.NATS.Enabled && c.NATS.Subject == "" {
		return &ValidationError{Key: "nats.subject", Message: "required when nats is enabled"}
	}
	if !c.Server.RateLimitDisabled && (c.Server.RateLimitReqs == 0 || c.Server.RateLimitWindow == 0) {
		return &ValidationError{Key: "server.rate_limit_reqs", Message: "rate limit requires requests and window, or rate_limit_disabled"}
	}
	return nil
}
