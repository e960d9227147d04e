// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetEngineLogger returns a logger for the engine facade and services
func GetEngineLogger() zerolog.Logger {
	return GetLogger("engine")
}

// GetExecutorLogger returns a logger for run execution
func GetExecutorLogger() zerolog.Logger {
	return GetLogger("executor")
}

// GetRunnerLogger returns a logger for step runners
func GetRunnerLogger() zerolog.Logger {
	return GetLogger("runner")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetSandboxLogger returns a logger for sandboxed code execution
func GetSandboxLogger() zerolog.Logger {
	return GetLogger("sandbox")
}

// GetEventsLogger returns a logger for the event bus
func GetEventsLogger() zerolog.Logger {
	return GetLogger("events")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
