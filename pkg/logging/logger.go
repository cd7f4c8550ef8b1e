// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package logging provides the structured logger used by the provisioner.

The logger writes human-readable text to stderr and, when a log directory is
configured, appends JSON records to a dated file in that directory:

	~/.provisioner/logs/provisioner_2025-06-01.log

Both sinks share a single slog.Logger through a fan-out handler, so callers
only ever deal with *slog.Logger (via Slog) or the level helpers below.

# Usage

	logger := logging.New(logging.Config{
	    Level:   logging.LevelInfo,
	    LogDir:  "~/.provisioner/logs",
	    Service: "provisioner",
	})
	defer logger.Close()

	logger.Info("stage finished", "stage", "platform", "outcome", "skipped")
*/
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	// LevelDebug emits everything, including per-command traces.
	LevelDebug Level = iota

	// LevelInfo emits stage progress and outcomes.
	LevelInfo

	// LevelWarn emits degraded conditions only.
	LevelWarn

	// LevelError emits failures only.
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a config or environment string to a Level.
//
// Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config configures a Logger.
type Config struct {
	// Level is the minimum level emitted by every sink.
	Level Level

	// LogDir, when set, enables the JSON file sink. "~" is expanded.
	LogDir string

	// Service is attached to every record and names the log file.
	// Default: "provisioner"
	Service string

	// JSON switches the stderr sink from text to JSON.
	JSON bool

	// Quiet disables the stderr sink entirely.
	Quiet bool

	// Stderr overrides the console sink. Default: os.Stderr
	Stderr io.Writer
}

// Logger wraps slog.Logger with an optional file sink that must be closed.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	path   string
	mu     sync.Mutex
}

// New creates a Logger from config.
//
// # Description
//
// Builds the stderr handler and, if LogDir is set and writable, the JSON file
// handler. A log directory that cannot be created is not an error: the logger
// silently falls back to stderr only, since provisioning must not fail because
// its own log file is unavailable.
//
// # Inputs
//
//   - config: Logger configuration
//
// # Outputs
//
//   - *Logger: Ready logger; call Close when done
func New(config Config) *Logger {
	if config.Service == "" {
		config.Service = "provisioner"
	}
	if config.Stderr == nil {
		config.Stderr = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	var handlers []slog.Handler

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(config.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(config.Stderr, opts))
		}
	}

	logger := &Logger{config: config}

	if config.LogDir != "" {
		logDir := ExpandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			filename := fmt.Sprintf("%s_%s.log", config.Service, time.Now().Format("2006-01-02"))
			logPath := filepath.Join(logDir, filename)
			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				logger.path = logPath
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	logger.slog = slog.New(handler)
	return logger
}

// Default returns an info-level stderr logger.
func Default() *Logger {
	return New(Config{Level: LevelInfo})
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger sharing the same file sink.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
		path:   l.path,
	}
}

// Slog exposes the underlying slog.Logger for packages that accept one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath returns the active log file, or "" if the file sink is disabled.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the file sink. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync log file: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	l.file = nil
	return errors.Join(errs...)
}

// multiHandler fans a record out to every enabled handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// ExpandPath replaces a leading "~" with the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
