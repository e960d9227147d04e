// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Engine.WorkerPoolDefault)
	assert.Equal(t, 24*time.Hour, cfg.Engine.RunMaxLifetime)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.BackoffBase())
	assert.Equal(t, 30*time.Second, cfg.Engine.BackoffCap())
	assert.Equal(t, 2.0, cfg.Engine.RetryBackoffFactor)
	assert.Equal(t, "none", cfg.Sandbox.NetworkMode)
	assert.Equal(t, "python:3.12-slim", cfg.Sandbox.PythonImage)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  driver: postgres
  host: db.internal
  port: 5433
  username: flow
  password: secret
  database: flowmill
engine:
  worker_pool_default: 4
  run_max_lifetime: 1h
  retry_backoff_base_ms: 100
  retry_backoff_cap_ms: 2000
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Engine.WorkerPoolDefault)
	assert.Equal(t, time.Hour, cfg.Engine.RunMaxLifetime)
	assert.Equal(t, 100, cfg.Engine.RetryBackoffBaseMS)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Untouched sections keep defaults.
	assert.Equal(t, 256, cfg.Engine.EventBusQueueDepth)

	dsn := cfg.Database.GetDSN()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=flowmill")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWMILL_ENGINE_WORKER_POOL_DEFAULT", "2")
	t.Setenv("FLOWMILL_SERVER_PORT", "7070")
	t.Setenv("FLOWMILL_ENGINE_CANCEL_GRACE_PERIOD", "9s")

	cfg, err := NewConfig("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.WorkerPoolDefault)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 9*time.Second, cfg.Engine.CancelGracePeriod)

	// Keys without a matching variable keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestValidationRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"empty driver", func(c *AppConfig) { c.Database.Driver = "" }},
		{"bad log level", func(c *AppConfig) { c.Log.Level = "LOUD" }},
		{"bad port", func(c *AppConfig) { c.Server.Port = 0 }},
		{"zero workers", func(c *AppConfig) { c.Engine.WorkerPoolDefault = 0 }},
		{"shrinking backoff", func(c *AppConfig) { c.Engine.RetryBackoffFactor = 0.5 }},
		{"cap below base", func(c *AppConfig) { c.Engine.RetryBackoffCapMS = 1 }},
		{"heartbeat past lease", func(c *AppConfig) { c.Engine.HeartbeatInterval = time.Minute }},
		{"no sandbox image", func(c *AppConfig) { c.Sandbox.PythonImage = "" }},
		{"tracing without endpoint", func(c *AppConfig) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = ""
		}},
		{"sample ratio out of range", func(c *AppConfig) { c.Tracing.SampleRatio = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestSQLiteMemoryDSN(t *testing.T) {
	dc := DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	assert.Equal(t, "file::memory:?cache=shared", dc.GetDSN())

	dc.Database = "data/flowmill.db"
	assert.Equal(t, "data/flowmill.db", dc.GetDSN())
}
