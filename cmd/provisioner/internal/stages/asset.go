// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/runtime"
)

// AssetStage makes sure one model is present in the runtime.
type AssetStage struct {
	Asset  string
	policy pipeline.Policy
	store  AssetStore
	every  time.Duration
	logger *slog.Logger
}

// NewAssetStage creates an AssetStage for name.
func NewAssetStage(name string, policy pipeline.Policy, opts AssetOptions, logger *slog.Logger) *AssetStage {
	every := opts.ProgressInterval
	if every <= 0 {
		every = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetStage{Asset: name, policy: policy, store: opts.Store, every: every, logger: logger}
}

// Name implements pipeline.Stage.
func (s *AssetStage) Name() string { return "asset:" + s.Asset }

// Policy implements pipeline.Stage.
func (s *AssetStage) Policy() pipeline.Policy { return s.policy }

// Satisfied reports whether the runtime already lists the asset. A runtime
// that cannot be queried is treated as not having it.
func (s *AssetStage) Satisfied(ctx context.Context, pc *pipeline.ProvisioningContext) (bool, error) {
	ok, err := s.store.HasModel(ctx, s.Asset)
	if err != nil {
		s.logger.Warn("cannot list runtime assets", "asset", s.Asset, "error", err)
		return false, nil
	}
	return ok, nil
}

// Run pulls the asset, logging progress at most once per interval.
func (s *AssetStage) Run(ctx context.Context, pc *pipeline.ProvisioningContext) error {
	log := s.logger.With("asset", s.Asset)
	log.Info("pulling asset")

	throttle := rate.Sometimes{Interval: s.every}
	start := time.Now()
	err := s.store.Pull(ctx, s.Asset, func(status string, completed, total int64) {
		throttle.Do(func() {
			if total > 0 {
				log.Info("pull progress", "status", status, "percent", completed*100/total)
				return
			}
			log.Info("pull progress", "status", status)
		})
	})
	if err != nil {
		return s.failure(ctx, err)
	}

	pc.MarkChanged()
	log.Info("asset pulled", "duration", time.Since(start))
	return nil
}

func (s *AssetStage) failure(ctx context.Context, err error) error {
	kind := pipeline.KindRuntimeUnavailable
	if s.policy == pipeline.WarnOnly {
		kind = pipeline.KindOptionalAssetFailure
	}
	se := &pipeline.StageError{
		Kind:        kind,
		Dependency:  s.Asset,
		Remediation: "Run 'ollama pull " + s.Asset + "' once the registry is reachable.",
		Err:         err,
	}
	var me *runtime.ModelError
	if errors.As(err, &me) {
		se.Output = me.Detail
		if me.Remediation != "" {
			se.Remediation = me.Remediation
		}
	}
	if ctx.Err() != nil || runtime.IsType(err, runtime.ErrorCancelled) {
		se.Kind = pipeline.KindInterrupted
	}
	return se
}
