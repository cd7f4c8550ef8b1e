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
Package installer acquires missing dependencies through ordered fallback
strategies.

# Overview

The Chain walks a dependency's strategies in declared order. Each attempt
gets a private scratch directory that is removed afterwards no matter what
happened. After an attempt reports success the Verifier runs again; only a
passing re-check ends the chain, so a strategy that "succeeds" without
producing a usable tool falls through to the next one.

Strategy failures never escape the chain. They are recorded in the
CheckResult attempt list and the chain moves on.

# Acquirers

Each StrategyKind is executed by an Acquirer looked up from a table:

	chain := installer.NewChain(verifier, map[deps.StrategyKind]installer.Acquirer{
	    deps.KindPackage:  installer.NewPackageAcquirer(pm, logger),
	    deps.KindDownload: installer.NewDownloadAcquirer(fetcher, pm, layout, logger),
	    deps.KindSource:   installer.NewSourceAcquirer(fetcher, pm, layout, logger),
	}, installer.ChainConfig{ScratchRoot: scratch})
*/
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
)

const tracerName = "github.com/AleutianAI/provisioner/cmd/provisioner/internal/installer"

// Host is the per-run state acquirers read and update.
type Host interface {
	// Platform returns the detected platform.
	Platform() platform.Info

	// SearchPath returns the run's executable search path.
	SearchPath() *process.SearchPath

	// ClaimIndexRefresh returns true exactly once per run, to the first
	// caller that should refresh the package index.
	ClaimIndexRefresh() bool
}

// Attempt is the input to one acquisition.
type Attempt struct {
	Dependency deps.Dependency
	Strategy   deps.Strategy

	// Scratch is a fresh directory owned by this attempt.
	Scratch string
}

// Acquirer executes one strategy kind.
type Acquirer interface {
	Acquire(ctx context.Context, host Host, a Attempt) error
}

// AcquirerFunc adapts a function to Acquirer.
type AcquirerFunc func(ctx context.Context, host Host, a Attempt) error

// Acquire implements Acquirer.
func (f AcquirerFunc) Acquire(ctx context.Context, host Host, a Attempt) error {
	return f(ctx, host, a)
}

// Verifier re-checks a dependency after an attempt.
type Verifier interface {
	Verify(ctx context.Context, dep deps.Dependency) deps.CheckResult
}

// AttemptRecorder receives one observation per attempt.
type AttemptRecorder interface {
	ObserveAttempt(dependency string, kind deps.StrategyKind, ok bool, d time.Duration)
}

// ChainConfig configures a Chain.
type ChainConfig struct {
	// ScratchRoot holds per-attempt scratch directories. Default: os.TempDir()
	ScratchRoot string

	// Recorder, if set, observes every attempt.
	Recorder AttemptRecorder

	Logger *slog.Logger
}

// Chain runs fallback strategies until a dependency verifies.
type Chain struct {
	verifier  Verifier
	acquirers map[deps.StrategyKind]Acquirer
	config    ChainConfig
	logger    *slog.Logger
}

// NewChain creates a Chain.
func NewChain(verifier Verifier, acquirers map[deps.StrategyKind]Acquirer, config ChainConfig) *Chain {
	if config.ScratchRoot == "" {
		config.ScratchRoot = os.TempDir()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		verifier:  verifier,
		acquirers: acquirers,
		config:    config,
		logger:    logger,
	}
}

// Repair tries dep's strategies in order.
//
// # Description
//
// Stops at the first strategy after which the Verifier reports the
// dependency satisfied; later strategies are never attempted. A dependency
// without strategies is returned Unsatisfied with no attempts.
//
// # Inputs
//
//   - ctx: Cancellation; a cancelled context ends the chain early
//   - host: Per-run host state
//   - dep: Dependency to acquire
//
// # Outputs
//
//   - deps.CheckResult: Repaired (Via set) or Unsatisfied, with every attempt
func (c *Chain) Repair(ctx context.Context, host Host, dep deps.Dependency) deps.CheckResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "installer.Repair")
	span.SetAttributes(attribute.String("dependency", dep.Name))
	defer span.End()

	if dep.IsHard() {
		result := c.verifier.Verify(ctx, dep)
		if result.Status == deps.StatusUnsatisfied && result.Reason != "" {
			result.Reason = "no acquisition strategies: " + result.Reason
		}
		return result
	}

	var attempts []deps.Attempt
	var last deps.CheckResult
	for i, strategy := range dep.Strategies {
		if ctx.Err() != nil {
			attempts = append(attempts, deps.Attempt{
				Strategy: strategy.Describe(),
				Kind:     strategy.Kind,
				Error:    fmt.Sprintf("not attempted: %v", ctx.Err()),
			})
			continue
		}

		log := c.logger.With("dependency", dep.Name, "strategy", strategy.Describe(), "attempt", i+1)
		log.Info("attempting strategy")

		start := time.Now()
		err := c.attempt(ctx, host, dep, strategy)
		if err == nil {
			last = c.verifier.Verify(ctx, dep)
			if !last.Status.OK() {
				err = fmt.Errorf("post-install check failed: %s", last.Reason)
			}
		}
		if c.config.Recorder != nil {
			c.config.Recorder.ObserveAttempt(dep.Name, strategy.Kind, err == nil, time.Since(start))
		}

		if err == nil {
			attempts = append(attempts, deps.Attempt{Strategy: strategy.Describe(), Kind: strategy.Kind})
			log.Info("strategy succeeded", "version", last.DetectedVersion, "duration", time.Since(start))
			span.SetAttributes(attribute.String("repaired_via", strategy.Describe()))
			return last.Repaired(strategy).WithAttempts(attempts)
		}

		log.Warn("strategy failed", "error", err)
		attempts = append(attempts, deps.Attempt{
			Strategy: strategy.Describe(),
			Kind:     strategy.Kind,
			Error:    err.Error(),
			Output:   deps.Excerpt(process.ExtractStderr(err)),
		})
	}

	if last.Dependency == "" {
		last = deps.CheckResult{Dependency: dep.Name, Status: deps.StatusUnsatisfied}
	}
	last.Status = deps.StatusUnsatisfied
	last.Reason = fmt.Sprintf("all %d strategies failed", len(dep.Strategies))
	span.SetStatus(codes.Error, last.Reason)
	return last.WithAttempts(attempts)
}

// attempt runs one strategy in its own scratch directory, converting
// panics to errors.
func (c *Chain) attempt(ctx context.Context, host Host, dep deps.Dependency, strategy deps.Strategy) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "installer.Attempt")
	span.SetAttributes(
		attribute.String("dependency", dep.Name),
		attribute.String("strategy", strategy.Describe()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	acquirer, ok := c.acquirers[strategy.Kind]
	if !ok {
		return fmt.Errorf("no acquirer registered for strategy kind %q", strategy.Kind)
	}

	if err := os.MkdirAll(c.config.ScratchRoot, 0o755); err != nil {
		return fmt.Errorf("create scratch root: %w", err)
	}
	scratch, err := os.MkdirTemp(c.config.ScratchRoot, dep.Name+"-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			c.logger.Warn("failed to remove scratch dir", "path", scratch, "error", rmErr)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()

	err = acquirer.Acquire(ctx, host, Attempt{Dependency: dep, Strategy: strategy, Scratch: scratch})
	if err != nil {
		return err
	}

	dirs, err := renderPath(strategy, host.Platform())
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if host.SearchPath().Prepend(dir) {
			c.logger.Debug("search path extended", "dir", dir)
		}
	}
	return nil
}

// ErrNoPackageManager is returned by package strategies on hosts that need
// manual intervention.
var ErrNoPackageManager = errors.New("no supported package manager on this host (manual intervention required)")
