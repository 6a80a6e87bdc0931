/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a valid configuration for testing
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Storage.Type = StorageTypeMemory
	cfg.Endpoints.Candidates = []EndpointCandidateConfig{
		{URL: "https://a.example.com", Priority: 0},
		{URL: "https://b.example.com", Priority: 1},
	}
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[logging]
level = "debug"

[storage]
type = "memory"

[endpoints]
health_check_interval = "10s"

[[endpoints.candidates]]
url = "https://c.example.com"
priority = 2

[[endpoints.candidates]]
url = "https://a.example.com"
priority = 0

[[endpoints.candidates]]
url = "https://b.example.com"
priority = 1

[sync]
conflict_policy = "manual"
collections = ["parties", "proposals"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, StorageTypeMemory, cfg.Storage.Type)
	require.Len(t, cfg.Endpoints.Candidates, 3)
	assert.Equal(t, "https://a.example.com", cfg.Endpoints.Candidates[0].URL)
	assert.Equal(t, "https://b.example.com", cfg.Endpoints.Candidates[1].URL)
	assert.Equal(t, "https://c.example.com", cfg.Endpoints.Candidates[2].URL)
	assert.Equal(t, 10*time.Second, cfg.Endpoints.HealthCheckInterval)
	assert.Equal(t, ConflictPolicyManual, cfg.Sync.ConflictPolicy)
	assert.Equal(t, []string{"parties", "proposals"}, cfg.Sync.Collections)

	// Untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Failover.FailureThreshold)
	assert.Equal(t, 50, cfg.Failover.HistorySize)
	assert.Equal(t, 100, cfg.Sync.MaxQueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Session.RenewalThreshold)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
storage:
  type: memory
endpoints:
  candidates:
    - url: https://a.example.com
      priority: 0
request:
  max_retries: 5
  timeout: 2s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Request.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Request.Timeout)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.toml", `
[storage]
type = "memory"

[[endpoints.candidates]]
url = "https://a.example.com"
priority = 0
`)

	t.Setenv("RESILIENCE_FAILOVER_FAILURE__THRESHOLD", "5")
	t.Setenv("RESILIENCE_SYNC_CONFLICT__POLICY", "client_wins")
	t.Setenv("RESILIENCE_SESSION_RENEWAL__INTERVAL", "15s")
	t.Setenv("RESILIENCE_SYNC_COLLECTIONS", "parties,restaurants")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Failover.FailureThreshold)
	assert.Equal(t, ConflictPolicyClientWins, cfg.Sync.ConflictPolicy)
	assert.Equal(t, 15*time.Second, cfg.Session.RenewalInterval)
	assert.Equal(t, []string{"parties", "restaurants"}, cfg.Sync.Collections)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadConfig_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "config.ini", "x=1")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file extension")
}

func TestLoadConfig_NoCandidates(t *testing.T) {
	path := writeFile(t, "config.toml", `
[storage]
type = "memory"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoints.candidates")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad storage type", func(c *Config) { c.Storage.Type = "postgres" }, "storage.type"},
		{"sqlite without path", func(c *Config) {
			c.Storage.Type = StorageTypeSQLite
			c.Storage.SQLite.Path = ""
		}, "storage.sqlite.path"},
		{"bbolt without path", func(c *Config) {
			c.Storage.Type = StorageTypeBBolt
			c.Storage.BBolt.Path = ""
		}, "storage.bbolt.path"},
		{"redis without address", func(c *Config) {
			c.Storage.Type = StorageTypeRedis
			c.Storage.Redis.Address = ""
		}, "storage.redis.address"},
		{"candidate without scheme", func(c *Config) {
			c.Endpoints.Candidates[0].URL = "a.example.com"
		}, "must use http or https"},
		{"duplicate candidate", func(c *Config) {
			c.Endpoints.Candidates[1].URL = "https://a.example.com/"
		}, "duplicated"},
		{"health path without slash", func(c *Config) { c.Endpoints.HealthPath = "health" }, "health_path"},
		{"zero probe timeout", func(c *Config) { c.Endpoints.ProbeTimeout = 0 }, "probe_timeout"},
		{"negative retries", func(c *Config) { c.Request.MaxRetries = -1 }, "max_retries"},
		{"backoff inverted", func(c *Config) {
			c.Request.InitialBackoff = 10 * time.Second
			c.Request.MaxBackoff = time.Second
		}, "initial_backoff"},
		{"jitter out of range", func(c *Config) { c.Request.Jitter = 1.5 }, "request.jitter"},
		{"login path", func(c *Config) { c.Session.LoginPath = "login" }, "session.login_path"},
		{"renewal interval", func(c *Config) { c.Session.RenewalInterval = 0 }, "renewal_interval"},
		{"failure threshold", func(c *Config) { c.Failover.FailureThreshold = 0 }, "failure_threshold"},
		{"history size", func(c *Config) { c.Failover.HistorySize = 0 }, "history_size"},
		{"staleness below interval", func(c *Config) {
			c.Failover.SnapshotMaxStaleness = time.Minute
		}, "snapshot_max_staleness"},
		{"bad conflict policy", func(c *Config) { c.Sync.ConflictPolicy = "last_write_wins" }, "conflict_policy"},
		{"queue size", func(c *Config) { c.Sync.MaxQueueSize = 0 }, "max_queue_size"},
		{"collection name", func(c *Config) { c.Sync.Collections = []string{"a/b"} }, "sync.collections[0]"},
		{"channel reconnect inverted", func(c *Config) {
			c.Channel.Enabled = true
			c.Channel.ReconnectInitial = time.Hour
		}, "channel.reconnect_initial"},
		{"admin port", func(c *Config) { c.Admin.Port = 0 }, "admin.port"},
		{"port clash", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Port = c.Admin.Port
		}, "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := validConfig()
	b := validConfig()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 16)

	b.Storage.Redis.Password = "secret"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "secrets must not affect the fingerprint")

	b.Sync.MaxQueueSize = 10
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestLoadConfig_SampleMatchesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.toml"))
	require.NoError(t, err)

	expected := defaultConfig()
	expected.Endpoints.Candidates = []EndpointCandidateConfig{
		{URL: "https://api.example.com", Priority: 1},
		{URL: "https://api-backup.example.com", Priority: 2},
	}
	assert.Equal(t, expected, cfg)
}
