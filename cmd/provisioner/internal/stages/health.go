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
	"strings"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
)

// HealthStage runs the application's self-test end to end.
//
// On a run that changed nothing, a passing self-test marks the stage
// Skipped; after any change the self-test always runs as a real stage.
type HealthStage struct {
	PM      process.ProcessManager
	Args    []string
	Timeout time.Duration

	// Artifact is used when no earlier stage recorded the artifact path.
	Artifact string

	// Runtime, if set, must be ready.
	Runtime RuntimeService
}

// Name implements pipeline.Stage.
func (s *HealthStage) Name() string { return "health" }

// Policy implements pipeline.Stage.
func (s *HealthStage) Policy() pipeline.Policy { return pipeline.FailFast }

// Satisfied implements pipeline.Stage.
func (s *HealthStage) Satisfied(ctx context.Context, pc *pipeline.ProvisioningContext) (bool, error) {
	if pc.Changed() {
		return false, nil
	}
	return s.probe(ctx, pc) == nil, nil
}

// Run implements pipeline.Stage.
func (s *HealthStage) Run(ctx context.Context, pc *pipeline.ProvisioningContext) error {
	err := s.probe(ctx, pc)
	if err == nil {
		return nil
	}
	se := &pipeline.StageError{
		Kind:        pipeline.KindVerificationFailure,
		Output:      deps.Excerpt(process.ExtractStderr(err)),
		Remediation: fmt.Sprintf("Run '%s %s' to reproduce.", s.artifact(pc), strings.Join(s.args(), " ")),
		Err:         err,
	}
	if errors.Is(err, errRuntimeDown) {
		se.Kind = pipeline.KindRuntimeUnavailable
		se.Remediation = "Start the runtime with 'ollama serve' or run 'provisioner run'."
	}
	return se
}

var errRuntimeDown = errors.New("runtime is not answering")

func (s *HealthStage) probe(ctx context.Context, pc *pipeline.ProvisioningContext) error {
	path := s.artifact(pc)
	if path == "" {
		return errors.New("application artifact location is unknown")
	}
	if !fsutil.IsExecutable(path) {
		return fmt.Errorf("application artifact %s is missing or not executable", path)
	}
	if s.Runtime != nil && !s.Runtime.Ready(ctx) {
		return errRuntimeDown
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if _, err := s.PM.Run(ctx, process.Command{Name: path, Args: s.args(), Timeout: timeout}); err != nil {
		return fmt.Errorf("self-test failed: %w", err)
	}
	return nil
}

func (s *HealthStage) artifact(pc *pipeline.ProvisioningContext) string {
	if p := pc.ArtifactPath(); p != "" {
		return p
	}
	return s.Artifact
}

func (s *HealthStage) args() []string {
	if len(s.Args) == 0 {
		return []string{"--help"}
	}
	return s.Args
}
