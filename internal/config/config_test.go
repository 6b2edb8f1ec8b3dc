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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/outpost/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8475", cfg.Server.ListenAddr)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: "0.0.0.0:9000"
  rate_limit: 10
  rate_burst: 20
log:
  level: debug
  format: text
storage:
  backend: s3
  s3:
    bucket: outpost-responses
    region: eu-west-1
cache:
  ttl: 1h
sandbox:
  max_steps: 500000
  allowed_modules: [json, time]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "outpost-responses", cfg.Storage.S3.Bucket)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, uint64(500000), cfg.Sandbox.MaxSteps)
	assert.Equal(t, []string{"json", "time"}, cfg.Sandbox.AllowedModules)
}

func TestLoad_EnvironmentWinsOverFile(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_addr: \"0.0.0.0:9000\"\n")
	t.Setenv("OUTPOST_LISTEN", "127.0.0.1:7777")
	t.Setenv("OUTPOST_CACHE_TTL", "90m")
	t.Setenv("OUTPOST_CACHE_DISABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", cfg.Server.ListenAddr)
	assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.Cache.Disabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")

	_, err := Load(path)
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }, "server.listen_addr"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "server.rate_limit"},
		{"zero burst with limit", func(c *Config) { c.Server.RateBurst = 0 }, "server.rate_burst"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.backend"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.key, cfgErr.Key)
		})
	}
}
