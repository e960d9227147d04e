// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Model    ModelConfig    `mapstructure:"model"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Dir      string            `mapstructure:"dir"` // Deprecated, kept for backward compatibility
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console", "syslog"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// EngineConfig holds execution engine tuning. Durations accept Go
// duration strings in YAML and environment variables.
type EngineConfig struct {
	// WorkerPoolDefault caps concurrently running steps per run when the
	// run request does not set its own concurrency.
	WorkerPoolDefault int `mapstructure:"worker_pool_default"`

	// RunMaxLifetime is the hard wall-clock ceiling for a single run.
	RunMaxLifetime time.Duration `mapstructure:"run_max_lifetime"`

	// Retry backoff: delay = base * factor^(attempt-1), capped.
	RetryBackoffBaseMS int     `mapstructure:"retry_backoff_base_ms"`
	RetryBackoffCapMS  int     `mapstructure:"retry_backoff_cap_ms"`
	RetryBackoffFactor float64 `mapstructure:"retry_backoff_factor"`

	// EventBusQueueDepth bounds each subscriber's event buffer.
	EventBusQueueDepth int `mapstructure:"event_bus_queue_depth"`

	// CancelGracePeriod is how long a cancelled step may run before its
	// context is forcibly abandoned.
	CancelGracePeriod time.Duration `mapstructure:"cancel_grace_period"`

	// Lease settings let a reaper detect runs whose executor died.
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReaperInterval    time.Duration `mapstructure:"reaper_interval"`

	// StoreRetryAttempts bounds retries of failed persistence calls
	// before the run is failed with STORE_ERROR.
	StoreRetryAttempts int `mapstructure:"store_retry_attempts"`
}

// SandboxConfig holds sandboxed code execution configuration.
// AllowedPackages is the deployment-wide allow-list; step configs
// request packages and the sandbox rejects anything outside this set.
type SandboxConfig struct {
	DockerHost      string            `mapstructure:"docker_host"`
	NetworkMode     string            `mapstructure:"network_mode"` // "none" keeps user code offline
	WorkspaceDir    string            `mapstructure:"workspace_dir"`
	PythonImage     string            `mapstructure:"python_image"`
	NodeImage       string            `mapstructure:"node_image"`
	Environment     map[string]string `mapstructure:"environment"`
	AllowedPackages []string          `mapstructure:"allowed_packages"`
	Limits          SandboxLimits     `mapstructure:"limits"`
	StopTimeout     time.Duration     `mapstructure:"stop_timeout"`
}

// SandboxLimits defines container resource defaults; step configs may
// tighten but not exceed them.
type SandboxLimits struct {
	CPUShares        int64 `mapstructure:"cpu_shares"`
	MemoryMB         int64 `mapstructure:"memory_mb"`
	PidsLimit        int64 `mapstructure:"pids_limit"`
	DefaultTimeoutMS int   `mapstructure:"default_timeout_ms"`
	MaxTimeoutMS     int   `mapstructure:"max_timeout_ms"`
}

// ModelConfig holds the default LLM provider used by llm steps that do
// not name their own model. The API key is never stored in config
// files; APIKeyEnv names the environment variable holding it.
type ModelConfig struct {
	Provider        string        `mapstructure:"provider"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKeyEnv       string        `mapstructure:"api_key_env"`
	DefaultModel    string        `mapstructure:"default_model"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
}

// HTTPConfig holds defaults for outbound api-step requests.
type HTTPConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	FollowRedirects  bool          `mapstructure:"follow_redirects"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP HTTP endpoint, host:port
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Insecure    bool    `mapstructure:"insecure"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults. This function replaces the global Init().
func NewConfig(configPath string) (*AppConfig, error) {
	// Create a new config struct with default values
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/flowmill/")
		v.AddConfigPath("$HOME/.flowmill")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("FLOWMILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only consults the environment for keys viper knows
	// about, so every default must be registered per-key or the
	// FLOWMILL_* variables are silently ignored.
	if err := bindDefaults(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to register config defaults: %w", err)
	}

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This will overwrite the default values with any values found in the config file or env vars.
	// We use a decoder hook to correctly handle nested structs.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths that may contain ~ or environment variables
	cfg.expandPaths()

	// Validate the final configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindDefaults registers every field of cfg with viper under its
// dotted key via SetDefault, which is what makes the matching
// environment variable visible to AutomaticEnv.
func bindDefaults(v *viper.Viper, cfg AppConfig) error {
	var settings map[string]any
	if err := mapstructure.Decode(cfg, &settings); err != nil {
		return err
	}
	for key, val := range flattenKeys("", settings) {
		v.SetDefault(key, val)
	}
	return nil
}

// flattenKeys turns nested maps into dotted viper keys. Only
// map[string]any children are descended into; slices and typed maps
// (log levels, sandbox environment) stay whole-value defaults.
func flattenKeys(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			for ck, cv := range flattenKeys(key, child) {
				out[ck] = cv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "flowmill.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Dir:    "./logs", // Backward compatibility
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/flowmill.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: false, // Disabled by default to keep CLI output clean
				},
			},
			Levels: map[string]string{
				"engine":   "INFO",
				"executor": "INFO",
				"runner":   "INFO",
				"database": "INFO",
				"sandbox":  "INFO",
				"events":   "WARN",
				"api":      "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Engine: EngineConfig{
			WorkerPoolDefault:  8,
			RunMaxLifetime:     24 * time.Hour,
			RetryBackoffBaseMS: 500,
			RetryBackoffCapMS:  30000,
			RetryBackoffFactor: 2.0,
			EventBusQueueDepth: 256,
			CancelGracePeriod:  5 * time.Second,
			LeaseDuration:      30 * time.Second,
			HeartbeatInterval:  10 * time.Second,
			ReaperInterval:     60 * time.Second,
			StoreRetryAttempts: 3,
		},
		Sandbox: SandboxConfig{
			DockerHost:   "unix:///var/run/docker.sock",
			NetworkMode:  "none",
			WorkspaceDir: "/workspace",
			PythonImage:  "python:3.12-slim",
			NodeImage:    "node:22-slim",
			Limits: SandboxLimits{
				CPUShares:        1024,
				MemoryMB:         512,
				PidsLimit:        128,
				DefaultTimeoutMS: 30000,
				MaxTimeoutMS:     300000,
			},
			StopTimeout: 10 * time.Second,
		},
		Model: ModelConfig{
			Provider:        "openai",
			BaseURL:         "https://api.openai.com/v1",
			APIKeyEnv:       "OPENAI_API_KEY",
			DefaultModel:    "gpt-4o-mini",
			RequestTimeout:  2 * time.Minute,
			MaxOutputTokens: 4096,
		},
		HTTP: HTTPConfig{
			RequestTimeout:   30 * time.Second,
			MaxResponseBytes: 10 << 20,
			FollowRedirects:  true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "flowmill",
			SampleRatio: 1.0,
			Insecure:    true,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Sandbox.DockerHost != "" {
		c.Sandbox.DockerHost = expandPath(c.Sandbox.DockerHost)
	}
	if c.Database.Driver == "sqlite" && c.Database.Database != "" && c.Database.Database != ":memory:" {
		c.Database.Database = expandPath(c.Database.Database)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	// Expand environment variables
	path = os.ExpandEnv(path)

	return path
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Engine.WorkerPoolDefault <= 0 {
		return fmt.Errorf("engine.worker_pool_default must be positive, got %d", c.Engine.WorkerPoolDefault)
	}
	if c.Engine.RetryBackoffFactor < 1.0 {
		return fmt.Errorf("engine.retry_backoff_factor must be >= 1.0, got %g", c.Engine.RetryBackoffFactor)
	}
	if c.Engine.RetryBackoffBaseMS <= 0 || c.Engine.RetryBackoffCapMS < c.Engine.RetryBackoffBaseMS {
		return fmt.Errorf("engine backoff bounds invalid: base=%dms cap=%dms",
			c.Engine.RetryBackoffBaseMS, c.Engine.RetryBackoffCapMS)
	}
	if c.Engine.HeartbeatInterval >= c.Engine.LeaseDuration {
		return fmt.Errorf("engine.heartbeat_interval (%s) must be shorter than engine.lease_duration (%s)",
			c.Engine.HeartbeatInterval, c.Engine.LeaseDuration)
	}

	if c.Sandbox.PythonImage == "" || c.Sandbox.NodeImage == "" {
		return errors.New("sandbox images are required")
	}
	if c.Sandbox.Limits.MaxTimeoutMS < c.Sandbox.Limits.DefaultTimeoutMS {
		return fmt.Errorf("sandbox.limits.max_timeout_ms (%d) below default_timeout_ms (%d)",
			c.Sandbox.Limits.MaxTimeoutMS, c.Sandbox.Limits.DefaultTimeoutMS)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1], got %g", c.Tracing.SampleRatio)
	}

	return nil
}

// BackoffBase returns the retry backoff base as a duration.
func (ec *EngineConfig) BackoffBase() time.Duration {
	return time.Duration(ec.RetryBackoffBaseMS) * time.Millisecond
}

// BackoffCap returns the retry backoff ceiling as a duration.
func (ec *EngineConfig) BackoffCap() time.Duration {
	return time.Duration(ec.RetryBackoffCapMS) * time.Millisecond
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
