// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway configuration from a YAML file with
// environment variable overrides. Environment always wins over the file;
// the file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/outpost/internal/objectstore"
	"github.com/tombee/outpost/pkg/errors"
)

// Config is the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port to bind. Environment: OUTPOST_LISTEN.
	ListenAddr string `yaml:"listen_addr"`

	// ReadTimeout bounds reading one request, headers and body.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing one response, operation included.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout is how long graceful shutdown waits for in-flight
	// operations.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimit is the sustained operations-per-second admission rate
	// granted to each remote client. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the per-client admission burst size when RateLimit
	// is set.
	RateBurst int `yaml:"rate_burst"`

	// APIKey, when set, is required in the X-Api-Key header of every
	// execute request. Environment: OUTPOST_API_KEY.
	APIKey string `yaml:"api_key"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`
}

// StorageConfig configures out-of-band response delivery.
type StorageConfig struct {
	// Backend is "s3" or "" (disabled). URL-mode operations fail when
	// disabled.
	Backend string `yaml:"backend"`

	// S3 configures the s3 backend.
	S3 objectstore.S3Config `yaml:"s3"`

	// URLExpiry is the presigned URL validity window.
	URLExpiry time.Duration `yaml:"url_expiry"`
}

// CacheConfig configures the proxy client cache.
type CacheConfig struct {
	// Disabled turns the cache off; every operation builds a fresh
	// client.
	Disabled bool `yaml:"disabled"`

	// TTL bounds how long an idle cached client is reused.
	TTL time.Duration `yaml:"ttl"`
}

// SandboxConfig configures script execution policy.
type SandboxConfig struct {
	// MaxSteps caps interpreter steps per script run.
	MaxSteps uint64 `yaml:"max_steps"`

	// AllowedModules narrows the script module allow-list.
	AllowedModules []string `yaml:"allowed_modules"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Pretty switches the stdout exporter to indented output.
	Pretty bool `yaml:"pretty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves GET /metrics on the main listener.
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8475",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			URLExpiry: objectstore.DefaultURLExpiry,
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads the configuration file, if any, and applies environment
// overrides. An empty path means defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &errors.ConfigurationError{
				Key:    "config",
				Reason: "reading " + path,
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, &errors.ConfigurationError{
				Key:    "config",
				Reason: "parsing " + path,
				Cause:  err,
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return &errors.ConfigurationError{Key: "server.listen_addr", Reason: "must not be empty"}
	}
	if c.Server.RateLimit < 0 {
		return &errors.ConfigurationError{Key: "server.rate_limit", Reason: "must be >= 0"}
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		return &errors.ConfigurationError{
			Key:    "server.rate_burst",
			Reason: "must be > 0 when rate_limit is set",
		}
	}
	switch c.Storage.Backend {
	case "", "s3":
	default:
		return &errors.ConfigurationError{
			Key:    "storage.backend",
			Reason: fmt.Sprintf("unsupported backend %q", c.Storage.Backend),
		}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return &errors.ConfigurationError{
			Key:    "log.format",
			Reason: fmt.Sprintf("unsupported format %q", c.Log.Format),
		}
	}
	return nil
}

// applyEnvOverrides maps OUTPOST_* variables onto the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OUTPOST_LISTEN"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("OUTPOST_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("OUTPOST_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("OUTPOST_STORAGE_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("OUTPOST_STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("OUTPOST_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("OUTPOST_CACHE_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Disabled = b
		}
	}
	if v := os.Getenv("OUTPOST_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit = f
		}
	}
	if v := os.Getenv("OUTPOST_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = b
		}
	}
}
