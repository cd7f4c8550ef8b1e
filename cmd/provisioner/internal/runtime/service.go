// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
)

// ErrNotReady is returned when the runtime does not answer within the
// readiness budget.
var ErrNotReady = errors.New("runtime did not become ready")

// Prober checks whether the runtime is answering.
type Prober interface {
	Version(ctx context.Context) (string, error)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Binary is the runtime executable. Default: "ollama"
	Binary string

	// Args start the server. Default: ["serve"]
	Args []string

	// BaseURL is passed to the server as OLLAMA_HOST.
	BaseURL string

	// LogDir receives the server's stdout and stderr. Empty discards them.
	LogDir string

	// ReadyAttempts and ReadyInterval bound the readiness poll.
	// Defaults: 30 attempts, 1s apart
	ReadyAttempts int
	ReadyInterval time.Duration

	Logger *slog.Logger
}

// Service starts the runtime server and waits for it.
type Service struct {
	prober Prober
	pm     process.ProcessManager
	config ServiceConfig
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(prober Prober, pm process.ProcessManager, config ServiceConfig) *Service {
	if config.Binary == "" {
		config.Binary = "ollama"
	}
	if len(config.Args) == 0 {
		config.Args = []string{"serve"}
	}
	if config.ReadyAttempts <= 0 {
		config.ReadyAttempts = 30
	}
	if config.ReadyInterval <= 0 {
		config.ReadyInterval = time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{prober: prober, pm: pm, config: config, logger: config.Logger}
}

// Ready reports whether the runtime answers right now.
func (s *Service) Ready(ctx context.Context) bool {
	_, err := s.prober.Version(ctx)
	return err == nil
}

// EnsureRunning starts the runtime unless it already answers.
//
// # Description
//
// Probes first and returns started=false if the runtime is up. A server
// process that exists but does not answer yet (slow start, model load) is
// waited on rather than started a second time, since a second server would
// fail to bind the port. Otherwise launches Binary detached in its own process group with output appended to
// a log file in LogDir, then polls until ready.
//
// # Outputs
//
//   - started: true if this call launched the server
//   - error: ErrNotReady (wrapped) if the server never answered
func (s *Service) EnsureRunning(ctx context.Context) (bool, error) {
	if s.Ready(ctx) {
		s.logger.Debug("runtime already running")
		return false, nil
	}

	pattern := s.config.Binary + " " + strings.Join(s.config.Args, " ")
	running, pid, err := s.pm.IsRunning(ctx, pattern)
	switch {
	case err != nil:
		s.logger.Debug("process lookup unavailable", "pattern", pattern, "error", err)
	case running:
		s.logger.Info("runtime process present but not answering, waiting", "pid", pid)
		return false, s.WaitReady(ctx)
	}

	cmd := process.Command{Name: s.config.Binary, Args: s.config.Args}
	if host := hostFromURL(s.config.BaseURL); host != "" {
		cmd.Env = []string{"OLLAMA_HOST=" + host}
	}

	var logFile *os.File
	if s.config.LogDir != "" {
		if err := os.MkdirAll(s.config.LogDir, 0o750); err != nil {
			return false, fmt.Errorf("create runtime log dir: %w", err)
		}
		name := fmt.Sprintf("ollama_%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(s.config.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return false, fmt.Errorf("open runtime log: %w", err)
		}
		logFile = f
		cmd.Output = f
	}

	pid, err = s.pm.Start(ctx, cmd)
	if logFile != nil {
		// The child holds its own descriptor.
		logFile.Close()
	}
	if err != nil {
		return false, fmt.Errorf("start %s: %w", cmd.String(), err)
	}
	s.logger.Info("runtime started", "pid", pid, "command", cmd.String(), "log_dir", s.config.LogDir)

	if err := s.WaitReady(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// WaitReady polls the runtime up to ReadyAttempts times, ReadyInterval apart.
func (s *Service) WaitReady(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.config.ReadyAttempts; attempt++ {
		_, err := s.prober.Version(ctx)
		if err == nil {
			s.logger.Debug("runtime ready", "attempt", attempt)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < s.config.ReadyAttempts {
			sleepWithContext(ctx, s.config.ReadyInterval)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrNotReady, s.config.ReadyAttempts, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func hostFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
