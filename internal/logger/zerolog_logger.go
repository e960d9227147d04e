// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logger builds the process-wide zerolog hierarchy: one root
// logger fanned out to the configured outputs, and per-package child
// loggers with their own levels.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/noldarim/flowmill/internal/config"
)

// fallbackLogPath receives logs when no output is configured at all, so
// a misconfigured deployment still leaves a trail.
const fallbackLogPath = "./logs/flowmill-fallback.log"

// Manager owns the root logger, the per-package loggers derived from it,
// and the writers behind them.
type Manager struct {
	config         *config.LogConfig
	globalLogger   zerolog.Logger
	packageLoggers map[string]zerolog.Logger
	mu             sync.RWMutex
	writers        []io.Writer
}

// NewManager builds the writer fan-out from cfg.Output and the root
// logger on top of it.
func NewManager(cfg *config.LogConfig) (*Manager, error) {
	m := &Manager{
		config:         cfg,
		packageLoggers: make(map[string]zerolog.Logger),
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var sinks []io.Writer
	for _, out := range cfg.Output {
		if !out.Enabled {
			continue
		}
		raw, sink, err := m.buildOutput(out, cfg.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to create log writers: %w", err)
		}
		m.writers = append(m.writers, raw)
		sinks = append(sinks, sink)
	}

	if len(sinks) == 0 {
		file, err := openFallbackFile()
		if err != nil {
			return nil, err
		}
		m.writers = append(m.writers, file)
		sinks = append(sinks, file)
	}

	root := sinks[0]
	if len(sinks) > 1 {
		root = io.MultiWriter(sinks...)
	}
	m.globalLogger = m.newLogger(root, level)
	return m, nil
}

// buildOutput creates the writer for one output. It returns both the
// raw writer, which Close later needs, and the sink the logger writes
// to, which may wrap the raw writer for human-readable formatting.
func (m *Manager) buildOutput(out config.LogOutputConfig, format string) (raw, sink io.Writer, err error) {
	switch out.Type {
	case "console":
		w := io.Writer(os.Stderr)
		if format == "console" {
			w = prettyWriter(os.Stderr, "15:04:05.000")
		}
		return os.Stderr, w, nil

	case "file":
		raw, err := m.openFileWriter(out)
		if err != nil {
			return nil, nil, err
		}
		sink := raw
		if format == "console" {
			// Human-readable format applies to files too; timestamps keep
			// the date since files outlive a terminal session.
			sink = prettyWriter(raw, "2006-01-02 15:04:05.000")
		}
		return raw, sink, nil

	default:
		return nil, nil, fmt.Errorf("unsupported output type: %s", out.Type)
	}
}

// openFileWriter opens the file output, rotating through lumberjack
// when a size bound is set.
func (m *Manager) openFileWriter(out config.LogOutputConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(out.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if out.Rotate.MaxSizeMB > 0 {
		return &lumberjack.Logger{
			Filename:   out.Path,
			MaxSize:    out.Rotate.MaxSizeMB,
			MaxBackups: out.Rotate.MaxBackups,
			MaxAge:     out.Rotate.MaxAgeDays,
			Compress:   out.Rotate.Compress,
		}, nil
	}
	file, err := os.OpenFile(out.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", out.Path, err)
	}
	return file, nil
}

func openFallbackFile() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(fallbackLogPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create fallback log directory: %w", err)
	}
	file, err := os.OpenFile(fallbackLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback log file: %w", err)
	}
	return file, nil
}

func prettyWriter(out io.Writer, timeFormat string) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: timeFormat,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s:", i)
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprintf("%s", i)
		},
	}
}

// newLogger applies the configured context and sampling to a fresh
// logger on w.
func (m *Manager) newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	l := zerolog.New(w).Level(level)
	if m.config.Context.IncludeTimestamp {
		l = l.With().Timestamp().Logger()
	}
	if m.config.Context.IncludeCaller {
		l = l.With().Caller().Logger()
	}
	if m.config.Context.IncludeStackTrace != "" {
		l = l.With().Stack().Logger()
	}
	if m.config.Sampling.Enabled {
		l = l.Sample(&zerolog.BurstSampler{
			Burst:       m.config.Sampling.Initial,
			Period:      m.config.Sampling.Tick,
			NextSampler: &zerolog.BasicSampler{N: m.config.Sampling.Thereafter},
		})
	}
	return l
}

// GetLogger returns the cached logger for pkg, creating it on first use
// with the package's configured level (falling back to the global one).
// Every package logger carries a "pkg" field.
func (m *Manager) GetLogger(pkg string) zerolog.Logger {
	m.mu.RLock()
	if l, ok := m.packageLoggers[pkg]; ok {
		m.mu.RUnlock()
		return l
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.packageLoggers[pkg]; ok {
		return l
	}

	level := parseLevel(m.config.Level)
	if pkgLevel, ok := m.config.Levels[pkg]; ok {
		level = parseLevel(pkgLevel)
	}
	l := m.globalLogger.With().Str("pkg", pkg).Logger().Level(level)
	m.packageLoggers[pkg] = l
	return l
}

// SetPackageLevel adjusts one package's level at runtime. The config is
// updated too, so loggers created later pick the new level up.
func (m *Manager) SetPackageLevel(pkg string, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Levels == nil {
		m.config.Levels = make(map[string]string)
	}
	m.config.Levels[pkg] = level

	if l, ok := m.packageLoggers[pkg]; ok {
		m.packageLoggers[pkg] = l.Level(parseLevel(level))
	}
}

// Close closes every writer that can be closed. Stderr is not a Closer,
// so console outputs are unaffected.
func (m *Manager) Close() error {
	for _, w := range m.writers {
		closer, ok := w.(io.Closer)
		if !ok || closer == os.Stderr {
			continue
		}
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	case "PANIC":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

var (
	globalManager *Manager
	once          sync.Once
)

// Initialize builds the global manager exactly once; later calls are
// no-ops.
func Initialize(cfg *config.LogConfig) error {
	var err error
	once.Do(func() {
		globalManager, err = NewManager(cfg)
	})
	return err
}

// GetLogger returns the named package logger from the global manager. A
// discard logger is returned before Initialize so library code can log
// unconditionally.
func GetLogger(pkg string) zerolog.Logger {
	if globalManager == nil {
		return zerolog.New(io.Discard).With().Timestamp().Logger()
	}
	return globalManager.GetLogger(pkg)
}

// CloseGlobal closes the global manager's writers.
func CloseGlobal() error {
	if globalManager != nil {
		return globalManager.Close()
	}
	return nil
}
