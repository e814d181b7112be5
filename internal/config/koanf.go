// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/offlinesync/internal/bus"
	"github.com/tomtom215/offlinesync/internal/connectivity"
	"github.com/tomtom215/offlinesync/internal/engine"
	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/readpath"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/replay"
	"github.com/tomtom215/offlinesync/internal/scheduler"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/supervisor"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/offlinesync/config.yaml",
	"/etc/offlinesync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix marks environment variables that map onto config keys.
const EnvPrefix = "OFFLINESYNC_"

// defaultConfig returns the built-in defaults. The remote base URL has no
// default and must be configured.
func defaultConfig() *Config {
	eng := engine.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            3857,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			MetricsEnabled:  true,
		},
		Remote:       remote.DefaultConfig(""),
		Store:        store.DefaultConfig(),
		Cache:        eng.Cache,
		Read:         readpath.DefaultConfig(),
		Write:        mutation.DefaultConfig(),
		Sync:         replay.DefaultConfig(),
		Trigger:      connectivity.DefaultTriggerConfig(),
		Connectivity: connectivity.DefaultConfig(),
		Bus:          bus.DefaultConfig(),
		NATS:         bus.DefaultNATSConfig(),
		Scheduler:    scheduler.DefaultConfig(),
		Supervisor:   supervisor.DefaultTreeConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadOption adjusts how the configuration is loaded.
type LoadOption func(*loadOptions)

type loadOptions struct {
	overrides map[string]interface{}
	offline   bool
}

// WithOverrides sets config keys after every other source, for command
// line flags. Empty string values are ignored.
func WithOverrides(kv map[string]interface{}) LoadOption {
	return func(o *loadOptions) { o.overrides = kv }
}

// Offline skips validation of the remote section, for tools that only
// touch the local store.
func Offline() LoadOption {
	return func(o *loadOptions) { o.offline = true }
}

// Load reads and validates the configuration.
func Load(opts ...LoadOption) (*Config, error) {
	return LoadWithKoanf(opts...)
}

// LoadWithKoanf layers defaults, the config file, the environment and
// overrides.
func LoadWithKoanf(opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	for key, val := range o.overrides {
		if s, ok := val.(string); ok && s == "" {
			continue
		}
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	check := *cfg
	if o.offline {
		check.Remote = remote.DefaultConfig("http://localhost")
	}
	if err := check.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed as comma separated lists when set from the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"read.warm.tables",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// shortEnvNames maps the short environment names onto config keys.
var shortEnvNames = map[string]string{
	"backend_url":     "remote.base_url",
	"backend_api_key": "remote.api_key",
	"http_host":       "server.host",
	"http_port":       "server.port",
	"cors_origins":    "server.cors_origins",
	"store_path":      "store.path",
	"warm_tables":     "read.warm.tables",
	"nats_enabled":    "nats.enabled",
	"nats_url":        "nats.url",
	"log_level":       "logging.level",
	"log_format":      "logging.format",
	"log_caller":      "logging.caller",
}

// envTransformFunc maps an environment variable name onto a config key.
// Unknown variables map to "" and are skipped.
func envTransformFunc(key string) string {
	if rest, ok := strings.CutPrefix(key, EnvPrefix); ok {
		return strings.ToLower(strings.ReplaceAll(rest, "__", "."))
	}
	return shortEnvNames[strings.ToLower(key)]
}
