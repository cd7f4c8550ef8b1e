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
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/build"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/checkpoint"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
)

// BuildStage fetches and compiles the application inside a checkpoint.
type BuildStage struct {
	opts   BuildOptions
	logger *slog.Logger

	// target is the revision Satisfied resolved; "" means the ref head.
	target string
}

// NewBuildStage creates a BuildStage.
func NewBuildStage(opts BuildOptions, logger *slog.Logger) *BuildStage {
	if opts.Dirs == nil {
		opts.Dirs = build.DefaultDirs
	}
	if opts.ConfigFile != "" && !filepath.IsAbs(opts.ConfigFile) {
		opts.ConfigFile = filepath.Join(opts.InstallDir, opts.ConfigFile)
	}
	if opts.ConfigExample != "" && !filepath.IsAbs(opts.ConfigExample) {
		opts.ConfigExample = filepath.Join(opts.InstallDir, opts.ConfigExample)
	}
	if opts.ConfigFile != "" && !fsutil.Within(opts.InstallDir, opts.ConfigFile) {
		opts.Resources = append(append([]checkpoint.Resource(nil), opts.Resources...), checkpoint.Resource{ID: "config", Path: opts.ConfigFile})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildStage{opts: opts, logger: logger}
}

// Name implements pipeline.Stage.
func (s *BuildStage) Name() string { return "build" }

// Policy implements pipeline.Stage.
func (s *BuildStage) Policy() pipeline.Policy { return pipeline.FailFast }

// Satisfied holds when the artifact exists at the latest revision and the
// scaffold and config file are in place. An unreachable remote counts as
// up to date.
func (s *BuildStage) Satisfied(ctx context.Context, pc *pipeline.ProvisioningContext) (bool, error) {
	collab := s.opts.Collaborator
	dir := s.opts.InstallDir

	local, err := collab.Revision(ctx, dir)
	if err != nil {
		s.logger.Info("install directory is not a usable checkout", "dir", dir, "error", err)
		local = ""
	}

	latest, err := collab.Latest(ctx)
	if err != nil {
		s.logger.Warn("cannot resolve latest revision, keeping the local one", "error", err)
		latest = local
	}
	s.target = latest

	artifact := collab.Artifact(dir)
	switch {
	case local == "":
		return false, nil
	case local != latest:
		s.logger.Info("application is out of date", "local", short(local), "latest", short(latest))
		return false, nil
	case !fsutil.IsExecutable(artifact):
		return false, nil
	case len(build.MissingDirs(dir, s.opts.Dirs)) > 0:
		return false, nil
	case s.configMissing():
		return false, nil
	}

	pc.SetArtifactPath(artifact)
	return true, nil
}

func (s *BuildStage) configMissing() bool {
	if s.opts.ConfigFile == "" || s.opts.ConfigExample == "" {
		return false
	}
	hasExample, _ := fsutil.Exists(s.opts.ConfigExample)
	hasConfig, _ := fsutil.Exists(s.opts.ConfigFile)
	return hasExample && !hasConfig
}

// Run implements pipeline.Stage.
func (s *BuildStage) Run(ctx context.Context, pc *pipeline.ProvisioningContext) error {
	collab := s.opts.Collaborator
	dir := s.opts.InstallDir

	local, _ := collab.Revision(ctx, dir)
	if local != "" && s.target != "" && local != s.target {
		prompt := fmt.Sprintf("Update %s from %s to %s? Local changes will be discarded.", dir, short(local), short(s.target))
		ok, err := pc.Confirm(ctx, prompt)
		if err != nil {
			return &pipeline.StageError{
				Kind:        pipeline.KindUserDeclined,
				Remediation: "Re-run with --yes to update without prompting.",
				Err:         fmt.Errorf("confirm update: %w", err),
			}
		}
		if !ok {
			return &pipeline.StageError{
				Kind:        pipeline.KindUserDeclined,
				Remediation: "Re-run and accept the update, or pass --yes.",
				Err:         errors.New("update declined"),
			}
		}
	}

	resources := append([]checkpoint.Resource{{ID: "install-dir", Path: dir}}, s.opts.Resources...)
	var artifact string
	err := s.opts.Checkpoints.WithCheckpoint(ctx, resources, func(ctx context.Context) error {
		if err := collab.Fetch(ctx, s.target, dir); err != nil {
			return err
		}
		created, err := build.Scaffold(dir, s.opts.Dirs)
		if err != nil {
			return err
		}
		if len(created) > 0 {
			s.logger.Info("created application directories", "dirs", created)
		}
		if s.opts.ConfigFile != "" && s.opts.ConfigExample != "" {
			seeded, err := build.SeedConfig(s.opts.ConfigFile, s.opts.ConfigExample)
			if err != nil {
				return err
			}
			if seeded {
				s.logger.Info("seeded configuration file", "path", s.opts.ConfigFile)
			}
		}
		artifact, err = collab.Compile(ctx, dir)
		return err
	})
	if err != nil {
		return s.failure(ctx, err)
	}

	pc.SetArtifactPath(artifact)
	pc.MarkChanged()
	s.logger.Info("application built", "artifact", artifact, "revision", short(s.target))
	return nil
}

func (s *BuildStage) failure(ctx context.Context, err error) error {
	se := &pipeline.StageError{
		Kind:        pipeline.KindBuildFailure,
		Output:      deps.Excerpt(process.ExtractStderr(err)),
		Remediation: fmt.Sprintf("Fix the error above and re-run; %s was restored to its previous state.", s.opts.InstallDir),
		Err:         err,
	}
	var restoreErr *checkpoint.RestoreError
	if errors.As(err, &restoreErr) {
		se.Remediation = restoreErr.Remediation()
	}
	if errors.Is(err, checkpoint.ErrInsufficientSpace) {
		se.Remediation = fmt.Sprintf("Free disk space for the backup of %s (or remove its target/ directory) and re-run; nothing was changed.", s.opts.InstallDir)
	}
	if errors.Is(err, build.ErrNotCheckout) {
		se.Remediation = fmt.Sprintf("Move or remove %s, or point install_dir at an empty directory.", s.opts.InstallDir)
	}
	if ctx.Err() != nil {
		se.Kind = pipeline.KindInterrupted
	}
	return se
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
