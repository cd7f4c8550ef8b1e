// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
)

// ErrNoPrompter is returned by Confirm when the context has no prompter.
var ErrNoPrompter = errors.New("no prompter configured")

// Prompter asks the operator to confirm destructive actions.
type Prompter interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ProvisioningContext is the per-run state threaded through every stage.
//
// # Description
//
// It carries what earlier stages learned (platform, artifact path), what
// they changed (search path additions, the changed flag), and the
// run-scoped collaborators (prompter, logger). It satisfies
// installer.Host so the fallback chain can read and extend it.
//
// # Thread Safety
//
// Stages run sequentially, but all methods are safe for concurrent use.
type ProvisioningContext struct {
	RunID string
	Mode  Mode

	mu       sync.RWMutex
	platform platform.Info
	artifact string

	path      *process.SearchPath
	refreshed atomic.Bool
	changed   atomic.Bool

	prompter Prompter
	logger   *slog.Logger
}

// ContextConfig configures a ProvisioningContext.
type ContextConfig struct {
	RunID string
	Mode  Mode

	// SearchPath defaults to the inherited PATH.
	SearchPath *process.SearchPath

	Prompter Prompter
	Logger   *slog.Logger
}

// NewContext creates a ProvisioningContext.
func NewContext(config ContextConfig) *ProvisioningContext {
	if config.SearchPath == nil {
		config.SearchPath = process.NewSearchPath()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &ProvisioningContext{
		RunID:    config.RunID,
		Mode:     config.Mode,
		path:     config.SearchPath,
		prompter: config.Prompter,
		logger:   config.Logger,
	}
}

// Platform returns the detected platform.
func (pc *ProvisioningContext) Platform() platform.Info {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.platform
}

// SetPlatform records the detected platform.
func (pc *ProvisioningContext) SetPlatform(info platform.Info) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.platform = info
}

// SearchPath returns the run's executable search path.
func (pc *ProvisioningContext) SearchPath() *process.SearchPath {
	return pc.path
}

// ClaimIndexRefresh returns true to the first caller only.
func (pc *ProvisioningContext) ClaimIndexRefresh() bool {
	return pc.refreshed.CompareAndSwap(false, true)
}

// ArtifactPath returns the application binary path, once known.
func (pc *ProvisioningContext) ArtifactPath() string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.artifact
}

// SetArtifactPath records the application binary path.
func (pc *ProvisioningContext) SetArtifactPath(path string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.artifact = path
}

// MarkChanged records that a stage modified the host.
func (pc *ProvisioningContext) MarkChanged() {
	pc.changed.Store(true)
}

// Changed reports whether any stage has modified the host in this run.
func (pc *ProvisioningContext) Changed() bool {
	return pc.changed.Load()
}

// Confirm asks the prompter. Without a prompter it returns ErrNoPrompter.
func (pc *ProvisioningContext) Confirm(ctx context.Context, prompt string) (bool, error) {
	if pc.prompter == nil {
		return false, ErrNoPrompter
	}
	return pc.prompter.Confirm(ctx, prompt)
}

// Logger returns the run logger.
func (pc *ProvisioningContext) Logger() *slog.Logger {
	return pc.logger
}
