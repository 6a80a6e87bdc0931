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
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-viper/mapstructure/v2"
	json "github.com/goccy/go-json"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables used to configure the agent
	EnvPrefix = "RESILIENCE_"
)

// Conflict resolution policies understood by the sync engine
const (
	ConflictPolicyServerWins = "server_wins"
	ConflictPolicyClientWins = "client_wins"
	ConflictPolicyManual     = "manual"
)

// Storage backend types
const (
	StorageTypeMemory = "memory"
	StorageTypeSQLite = "sqlite"
	StorageTypeBBolt  = "bbolt"
	StorageTypeRedis  = "redis"
)

// Config holds all configuration for the resilience agent
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Storage   StorageConfig   `koanf:"storage"`
	Endpoints EndpointsConfig `koanf:"endpoints"`
	Request   RequestConfig   `koanf:"request"`
	Session   SessionConfig   `koanf:"session"`
	Failover  FailoverConfig  `koanf:"failover"`
	Sync      SyncConfig      `koanf:"sync"`
	Channel   ChannelConfig   `koanf:"channel"`
	Admin     AdminConfig     `koanf:"admin"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "json" (default) or "text"
}

// StorageConfig holds persistent state store configuration
type StorageConfig struct {
	Type   string       `koanf:"type"` // "sqlite", "bbolt", "redis" or "memory"
	SQLite SQLiteConfig `koanf:"sqlite"`
	BBolt  BBoltConfig  `koanf:"bbolt"`
	Redis  RedisConfig  `koanf:"redis"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// BBoltConfig holds bbolt-specific configuration
type BBoltConfig struct {
	Path string `koanf:"path"`
}

// RedisConfig holds Redis-specific configuration
type RedisConfig struct {
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// EndpointsConfig holds the candidate server list and health probing settings
type EndpointsConfig struct {
	Candidates          []EndpointCandidateConfig `koanf:"candidates"`
	HealthPath          string                    `koanf:"health_path"`
	ProbeTimeout        time.Duration             `koanf:"probe_timeout"`
	HealthCheckInterval time.Duration             `koanf:"health_check_interval"`
}

// EndpointCandidateConfig describes one candidate server base address.
// Lower priority values are preferred.
type EndpointCandidateConfig struct {
	URL      string `koanf:"url"`
	Priority int    `koanf:"priority"`
}

// RequestConfig holds resilient request execution settings
type RequestConfig struct {
	Timeout           time.Duration `koanf:"timeout"`
	MaxRetries        int           `koanf:"max_retries"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	Jitter            float64       `koanf:"jitter"` // randomization factor, 0 disables jitter
	UserAgent         string        `koanf:"user_agent"`
}

// SessionConfig holds credential lifecycle settings
type SessionConfig struct {
	LoginPath        string        `koanf:"login_path"`
	RefreshPath      string        `koanf:"refresh_path"`
	LogoutPath       string        `koanf:"logout_path"`
	ExpiryBuffer     time.Duration `koanf:"expiry_buffer"`
	RenewalInterval  time.Duration `koanf:"renewal_interval"`
	RenewalThreshold time.Duration `koanf:"renewal_threshold"`
}

// FailoverConfig holds failover and recovery orchestration settings
type FailoverConfig struct {
	FailureThreshold     int           `koanf:"failure_threshold"`
	HistorySize          int           `koanf:"history_size"`
	RecoveryBudget       time.Duration `koanf:"recovery_budget"`
	SnapshotInterval     time.Duration `koanf:"snapshot_interval"`
	SnapshotMaxStaleness time.Duration `koanf:"snapshot_max_staleness"`
}

// SyncConfig holds data synchronization settings
type SyncConfig struct {
	ConflictPolicy  string        `koanf:"conflict_policy"`
	MaxQueueSize    int           `koanf:"max_queue_size"`
	FlushInterval   time.Duration `koanf:"flush_interval"`
	CollectionsPath string        `koanf:"collections_path"`
	Collections     []string      `koanf:"collections"`
	PageLimit       int           `koanf:"page_limit"`
	FailedHistory   int           `koanf:"failed_history"`
}

// ChannelConfig holds realtime socket channel settings
type ChannelConfig struct {
	Enabled          bool          `koanf:"enabled"`
	Path             string        `koanf:"path"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`
	ReconnectInitial time.Duration `koanf:"reconnect_initial"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`
}

// AdminConfig holds the local diagnostics API configuration
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// LoadConfig loads configuration from file, environment variables, and defaults
// Priority: Environment variables > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		parser, err := parserFor(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(configPath), parser); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)

		// Double underscore keeps a literal underscore, single underscore nests
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sort.SliceStable(cfg.Endpoints.Candidates, func(i, j int) bool {
		return cfg.Endpoints.Candidates[i].Priority < cfg.Endpoints.Candidates[j].Priority
	})

	return cfg, nil
}

func parserFor(configPath string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		return toml.Parser(), nil
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", filepath.Ext(configPath))
	}
}

// defaultConfig returns a Config struct with default configuration values
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Type: StorageTypeSQLite,
			SQLite: SQLiteConfig{
				Path: "./data/resilience.db",
			},
			BBolt: BBoltConfig{
				Path: "./data/resilience.bolt",
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "resilience:",
			},
		},
		Endpoints: EndpointsConfig{
			HealthPath:          "/health",
			ProbeTimeout:        5 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Request: RequestConfig{
			Timeout:           15 * time.Second,
			MaxRetries:        3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        8 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            0.25,
			UserAgent:         "wso2-resilience-agent",
		},
		Session: SessionConfig{
			LoginPath:        "/auth/login",
			RefreshPath:      "/auth/refresh",
			LogoutPath:       "/auth/logout",
			ExpiryBuffer:     30 * time.Second,
			RenewalInterval:  60 * time.Second,
			RenewalThreshold: 5 * time.Minute,
		},
		Failover: FailoverConfig{
			FailureThreshold:     3,
			HistorySize:          50,
			RecoveryBudget:       60 * time.Second,
			SnapshotInterval:     5 * time.Minute,
			SnapshotMaxStaleness: 30 * time.Minute,
		},
		Sync: SyncConfig{
			ConflictPolicy:  ConflictPolicyServerWins,
			MaxQueueSize:    100,
			FlushInterval:   30 * time.Second,
			CollectionsPath: "/sync/collections",
			PageLimit:       20,
			FailedHistory:   50,
		},
		Channel: ChannelConfig{
			Enabled:          false,
			Path:             "/ws",
			HandshakeTimeout: 10 * time.Second,
			HeartbeatTimeout: 35 * time.Second,
			ReconnectInitial: 1 * time.Second,
			ReconnectMax:     5 * time.Minute,
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9094,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9095,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be either 'json' or 'text', got: %s", c.Logging.Format)
	}

	if err := c.validateStorageConfig(); err != nil {
		return err
	}
	if err := c.validateEndpointsConfig(); err != nil {
		return err
	}
	if err := c.validateRequestConfig(); err != nil {
		return err
	}
	if err := c.validateSessionConfig(); err != nil {
		return err
	}
	if err := c.validateFailoverConfig(); err != nil {
		return err
	}
	if err := c.validateSyncConfig(); err != nil {
		return err
	}
	if err := c.validateChannelConfig(); err != nil {
		return err
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("admin.port must be between 1 and 65535, got: %d", c.Admin.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", c.Metrics.Port)
	}
	if c.Admin.Enabled && c.Metrics.Enabled && c.Admin.Port == c.Metrics.Port {
		return fmt.Errorf("admin.port and metrics.port must differ, both are %d", c.Admin.Port)
	}

	return nil
}

func (c *Config) validateStorageConfig() error {
	switch c.Storage.Type {
	case StorageTypeMemory:
	case StorageTypeSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required when storage.type is 'sqlite'")
		}
	case StorageTypeBBolt:
		if c.Storage.BBolt.Path == "" {
			return fmt.Errorf("storage.bbolt.path is required when storage.type is 'bbolt'")
		}
	case StorageTypeRedis:
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("storage.redis.address is required when storage.type is 'redis'")
		}
	default:
		return fmt.Errorf("storage.type must be one of: sqlite, bbolt, redis, memory, got: %s", c.Storage.Type)
	}
	return nil
}

func (c *Config) validateEndpointsConfig() error {
	if len(c.Endpoints.Candidates) == 0 {
		return fmt.Errorf("endpoints.candidates must contain at least one endpoint")
	}

	seen := make(map[string]struct{}, len(c.Endpoints.Candidates))
	for i, candidate := range c.Endpoints.Candidates {
		parsed, err := url.Parse(candidate.URL)
		if err != nil {
			return fmt.Errorf("endpoints.candidates[%d].url is invalid: %w", i, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("endpoints.candidates[%d].url must use http or https, got: %s", i, candidate.URL)
		}
		if parsed.Host == "" {
			return fmt.Errorf("endpoints.candidates[%d].url must include a host, got: %s", i, candidate.URL)
		}
		key := strings.TrimRight(candidate.URL, "/")
		if _, dup := seen[key]; dup {
			return fmt.Errorf("endpoints.candidates[%d].url is duplicated: %s", i, candidate.URL)
		}
		seen[key] = struct{}{}
	}

	if !strings.HasPrefix(c.Endpoints.HealthPath, "/") {
		return fmt.Errorf("endpoints.health_path must start with '/', got: %s", c.Endpoints.HealthPath)
	}
	if c.Endpoints.ProbeTimeout <= 0 {
		return fmt.Errorf("endpoints.probe_timeout must be positive, got: %s", c.Endpoints.ProbeTimeout)
	}
	if c.Endpoints.HealthCheckInterval <= 0 {
		return fmt.Errorf("endpoints.health_check_interval must be positive, got: %s", c.Endpoints.HealthCheckInterval)
	}
	return nil
}

func (c *Config) validateRequestConfig() error {
	if c.Request.Timeout <= 0 {
		return fmt.Errorf("request.timeout must be positive, got: %s", c.Request.Timeout)
	}
	if c.Request.MaxRetries < 0 {
		return fmt.Errorf("request.max_retries must be >= 0, got: %d", c.Request.MaxRetries)
	}
	if c.Request.InitialBackoff <= 0 {
		return fmt.Errorf("request.initial_backoff must be positive, got: %s", c.Request.InitialBackoff)
	}
	if c.Request.MaxBackoff < c.Request.InitialBackoff {
		return fmt.Errorf("request.initial_backoff (%s) must be <= request.max_backoff (%s)",
			c.Request.InitialBackoff, c.Request.MaxBackoff)
	}
	if c.Request.BackoffMultiplier < 1 {
		return fmt.Errorf("request.backoff_multiplier must be >= 1, got: %v", c.Request.BackoffMultiplier)
	}
	if c.Request.Jitter < 0 || c.Request.Jitter >= 1 {
		return fmt.Errorf("request.jitter must be in [0, 1), got: %v", c.Request.Jitter)
	}
	return nil
}

func (c *Config) validateSessionConfig() error {
	for name, path := range map[string]string{
		"session.login_path":   c.Session.LoginPath,
		"session.refresh_path": c.Session.RefreshPath,
		"session.logout_path":  c.Session.LogoutPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/', got: %q", name, path)
		}
	}
	if c.Session.ExpiryBuffer < 0 {
		return fmt.Errorf("session.expiry_buffer must be >= 0, got: %s", c.Session.ExpiryBuffer)
	}
	if c.Session.RenewalInterval <= 0 {
		return fmt.Errorf("session.renewal_interval must be positive, got: %s", c.Session.RenewalInterval)
	}
	if c.Session.RenewalThreshold <= 0 {
		return fmt.Errorf("session.renewal_threshold must be positive, got: %s", c.Session.RenewalThreshold)
	}
	return nil
}

func (c *Config) validateFailoverConfig() error {
	if c.Failover.FailureThreshold < 1 {
		return fmt.Errorf("failover.failure_threshold must be >= 1, got: %d", c.Failover.FailureThreshold)
	}
	if c.Failover.HistorySize < 1 {
		return fmt.Errorf("failover.history_size must be >= 1, got: %d", c.Failover.HistorySize)
	}
	if c.Failover.RecoveryBudget <= 0 {
		return fmt.Errorf("failover.recovery_budget must be positive, got: %s", c.Failover.RecoveryBudget)
	}
	if c.Failover.SnapshotInterval <= 0 {
		return fmt.Errorf("failover.snapshot_interval must be positive, got: %s", c.Failover.SnapshotInterval)
	}
	if c.Failover.SnapshotMaxStaleness < c.Failover.SnapshotInterval {
		return fmt.Errorf("failover.snapshot_max_staleness (%s) must be >= failover.snapshot_interval (%s)",
			c.Failover.SnapshotMaxStaleness, c.Failover.SnapshotInterval)
	}
	return nil
}

func (c *Config) validateSyncConfig() error {
	validPolicies := []string{ConflictPolicyServerWins, ConflictPolicyClientWins, ConflictPolicyManual}
	if !slices.Contains(validPolicies, c.Sync.ConflictPolicy) {
		return fmt.Errorf("sync.conflict_policy must be one of: %s, got: %s",
			strings.Join(validPolicies, ", "), c.Sync.ConflictPolicy)
	}
	if c.Sync.MaxQueueSize < 1 {
		return fmt.Errorf("sync.max_queue_size must be >= 1, got: %d", c.Sync.MaxQueueSize)
	}
	if c.Sync.FlushInterval <= 0 {
		return fmt.Errorf("sync.flush_interval must be positive, got: %s", c.Sync.FlushInterval)
	}
	if !strings.HasPrefix(c.Sync.CollectionsPath, "/") {
		return fmt.Errorf("sync.collections_path must start with '/', got: %s", c.Sync.CollectionsPath)
	}
	if c.Sync.PageLimit < 1 {
		return fmt.Errorf("sync.page_limit must be >= 1, got: %d", c.Sync.PageLimit)
	}
	for i, name := range c.Sync.Collections {
		if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
			return fmt.Errorf("sync.collections[%d] is not a valid collection name: %q", i, name)
		}
	}
	return nil
}

func (c *Config) validateChannelConfig() error {
	if !c.Channel.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.Channel.Path, "/") {
		return fmt.Errorf("channel.path must start with '/', got: %s", c.Channel.Path)
	}
	if c.Channel.ReconnectInitial <= 0 {
		return fmt.Errorf("channel.reconnect_initial must be positive, got: %s", c.Channel.ReconnectInitial)
	}
	if c.Channel.ReconnectInitial > c.Channel.ReconnectMax {
		return fmt.Errorf("channel.reconnect_initial (%s) must be <= channel.reconnect_max (%s)",
			c.Channel.ReconnectInitial, c.Channel.ReconnectMax)
	}
	if c.Channel.HeartbeatTimeout <= 0 {
		return fmt.Errorf("channel.heartbeat_timeout must be positive, got: %s", c.Channel.HeartbeatTimeout)
	}
	return nil
}

// Fingerprint returns a stable hash of the effective settings. Secrets are
// excluded so the value is safe to persist in recovery snapshots.
func (c *Config) Fingerprint() string {
	clone := *c
	clone.Storage.Redis.Password = ""
	data, err := json.Marshal(clone)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
