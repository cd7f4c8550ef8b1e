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
Package stages holds the concrete provisioning stages and assembles them into
a pipeline for each run mode.

# Stage Order

	platform
	dependency:<name>    one per system dependency, then one per toolchain dependency
	build                fetch + scaffold + compile, checkpointed
	runtime              install and start the AI runtime
	asset:<name>         default asset FailFast, additional assets WarnOnly
	health               run the artifact's self-test

# Modes

	run     every stage
	deps    platform and dependency stages
	build   platform and build
	verify  platform, dependency checks, runtime readiness and health; no repair

Every stage's Satisfied predicate is read-only, so a second run on a
provisioned host skips every stage.
*/
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/build"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/checkpoint"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/installer"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/runtime"
)

// Detector identifies the host platform.
type Detector interface {
	Detect() platform.Info
}

// Verifier checks a dependency without changing the host.
type Verifier interface {
	Verify(ctx context.Context, dep deps.Dependency) deps.CheckResult
}

// Repairer runs a dependency's fallback strategies.
type Repairer interface {
	Repair(ctx context.Context, host installer.Host, dep deps.Dependency) deps.CheckResult
}

// Checkpointer scopes destructive work with backup and restore.
type Checkpointer interface {
	WithCheckpoint(ctx context.Context, resources []checkpoint.Resource, fn func(context.Context) error) error
}

// RuntimeService is the AI runtime process.
type RuntimeService interface {
	Ready(ctx context.Context) bool
	EnsureRunning(ctx context.Context) (bool, error)
}

// AssetStore lists and fetches runtime assets (models).
type AssetStore interface {
	HasModel(ctx context.Context, name string) (bool, error)
	Pull(ctx context.Context, name string, progress runtime.PullProgressCallback) error
}

// BuildOptions configures the build stage.
type BuildOptions struct {
	Collaborator build.Collaborator
	Checkpoints  Checkpointer

	// InstallDir is the application checkout.
	InstallDir string

	// Dirs are created inside InstallDir. Default: build.DefaultDirs
	Dirs []string

	// ConfigFile is seeded from ConfigExample when missing. Relative paths
	// are taken relative to InstallDir.
	ConfigFile    string
	ConfigExample string

	// Resources are checkpointed in addition to InstallDir.
	Resources []checkpoint.Resource
}

// RuntimeOptions configures the runtime stage.
type RuntimeOptions struct {
	Service RuntimeService

	// Dependency names the manifest entry that installs the runtime binary.
	// Empty or absent from the manifest skips installation.
	Dependency string
}

// AssetOptions configures the asset stages.
type AssetOptions struct {
	Store AssetStore

	// Default is required; Additional assets only warn on failure.
	Default    string
	Additional []string

	// ProgressInterval throttles pull progress logs. Default: 5s
	ProgressInterval time.Duration
}

// HealthOptions configures the health stage.
type HealthOptions struct {
	PM process.ProcessManager

	// Args are passed to the artifact. Default: ["--help"]
	Args []string

	// Timeout bounds the self-test. Default: 30s
	Timeout time.Duration
}

// Set is everything the stages of one run need.
type Set struct {
	Manifest *deps.Manifest
	Detector Detector
	Verifier Verifier
	Repairer Repairer

	Build   BuildOptions
	Runtime RuntimeOptions
	Assets  AssetOptions
	Health  HealthOptions

	Logger *slog.Logger
}

// Plan returns the stages for mode, in execution order.
//
// # Description
//
// Dependency stages come from the manifest's system group followed by its
// toolchain group. In verify mode dependency and runtime stages only check.
//
// # Inputs
//
//   - mode: Run mode
//   - set: Collaborators; every component the mode needs must be set
//
// # Outputs
//
//   - []pipeline.Stage: Stages in execution order
//   - error: A required collaborator is missing
func Plan(mode pipeline.Mode, set Set) ([]pipeline.Stage, error) {
	if set.Logger == nil {
		set.Logger = slog.Default()
	}
	if set.Detector == nil {
		return nil, fmt.Errorf("plan %s: platform detector is required", mode)
	}

	verifyOnly := mode == pipeline.ModeVerify
	needDeps := mode != pipeline.ModeBuild
	needBuild := mode == pipeline.ModeRun || mode == pipeline.ModeBuild
	needRuntime := mode == pipeline.ModeRun || mode == pipeline.ModeVerify

	if needDeps || needRuntime {
		if set.Manifest == nil || set.Verifier == nil {
			return nil, fmt.Errorf("plan %s: manifest and verifier are required", mode)
		}
		if !verifyOnly && set.Repairer == nil {
			return nil, fmt.Errorf("plan %s: repairer is required", mode)
		}
	}
	if needBuild && (set.Build.Collaborator == nil || set.Build.Checkpoints == nil || set.Build.InstallDir == "") {
		return nil, fmt.Errorf("plan %s: build collaborator, checkpoints and install dir are required", mode)
	}
	if needRuntime && set.Runtime.Service == nil {
		return nil, fmt.Errorf("plan %s: runtime service is required", mode)
	}
	if mode == pipeline.ModeRun && set.Assets.Store == nil {
		return nil, fmt.Errorf("plan %s: asset store is required", mode)
	}
	if needRuntime && set.Health.PM == nil {
		return nil, fmt.Errorf("plan %s: process manager is required for the health check", mode)
	}

	out := []pipeline.Stage{&PlatformStage{Detector: set.Detector}}

	if needDeps {
		for _, g := range []deps.Group{deps.GroupSystem, deps.GroupToolchain} {
			for _, dep := range set.Manifest.Group(g) {
				out = append(out, &DependencyStage{
					Dependency: dep,
					Verifier:   set.Verifier,
					Repairer:   set.Repairer,
					VerifyOnly: verifyOnly,
				})
			}
		}
	}

	if mode == pipeline.ModeDeps {
		return out, nil
	}

	if needBuild {
		out = append(out, NewBuildStage(set.Build, set.Logger))
	}
	if mode == pipeline.ModeBuild {
		return out, nil
	}

	rs := &RuntimeStage{
		Service:    set.Runtime.Service,
		Verifier:   set.Verifier,
		Repairer:   set.Repairer,
		VerifyOnly: verifyOnly,
	}
	if set.Runtime.Dependency != "" {
		if dep, ok := set.Manifest.Find(set.Runtime.Dependency); ok {
			rs.Dependency = &dep
		}
	}
	out = append(out, rs)

	if mode == pipeline.ModeRun {
		if set.Assets.Default != "" {
			out = append(out, NewAssetStage(set.Assets.Default, pipeline.FailFast, set.Assets, set.Logger))
		}
		for _, name := range set.Assets.Additional {
			if name == "" || name == set.Assets.Default {
				continue
			}
			out = append(out, NewAssetStage(name, pipeline.WarnOnly, set.Assets, set.Logger))
		}
	}

	var artifact string
	if set.Build.Collaborator != nil && set.Build.InstallDir != "" {
		artifact = set.Build.Collaborator.Artifact(set.Build.InstallDir)
	}
	out = append(out, &HealthStage{
		PM:       set.Health.PM,
		Args:     set.Health.Args,
		Timeout:  set.Health.Timeout,
		Artifact: artifact,
		Runtime:  set.Runtime.Service,
	})
	return out, nil
}

func remediationFor(dep deps.Dependency, pc *pipeline.ProvisioningContext) string {
	if dep.Remediation != "" {
		return dep.Remediation
	}
	return platform.InstallHint(pc.Platform().Family, dep.Name)
}
