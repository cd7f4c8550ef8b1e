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

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
)

// RuntimeStage installs the AI runtime binary through the dependency chain
// and starts the service.
type RuntimeStage struct {
	Service RuntimeService

	// Dependency, if set, is verified and repaired before starting.
	Dependency *deps.Dependency
	Verifier   Verifier
	Repairer   Repairer

	// VerifyOnly reports a stopped runtime instead of starting it.
	VerifyOnly bool

	result *deps.CheckResult
}

// Name implements pipeline.Stage.
func (s *RuntimeStage) Name() string { return "runtime" }

// Policy implements pipeline.Stage.
func (s *RuntimeStage) Policy() pipeline.Policy { return pipeline.FailFast }

// CheckResult implements pipeline.CheckReporter.
func (s *RuntimeStage) CheckResult() *deps.CheckResult { return s.result }

// Satisfied implements pipeline.Stage.
func (s *RuntimeStage) Satisfied(ctx context.Context, pc *pipeline.ProvisioningContext) (bool, error) {
	return s.Service.Ready(ctx), nil
}

// Run implements pipeline.Stage.
func (s *RuntimeStage) Run(ctx context.Context, pc *pipeline.ProvisioningContext) error {
	if s.VerifyOnly {
		return &pipeline.StageError{
			Kind:        pipeline.KindRuntimeUnavailable,
			Remediation: "Start the runtime with 'ollama serve' or run 'provisioner run'.",
			Err:         errors.New("runtime is not answering"),
		}
	}

	if s.Dependency != nil {
		if err := s.install(ctx, pc); err != nil {
			return err
		}
	}

	started, err := s.Service.EnsureRunning(ctx)
	if err != nil {
		return &pipeline.StageError{
			Kind:        pipeline.KindRuntimeUnavailable,
			Remediation: "Check the runtime log in the ollama_logs directory, or start 'ollama serve' manually.",
			Err:         err,
		}
	}
	if started {
		pc.MarkChanged()
	}
	return nil
}

func (s *RuntimeStage) install(ctx context.Context, pc *pipeline.ProvisioningContext) error {
	dep := *s.Dependency
	r := s.Verifier.Verify(ctx, dep)
	if !r.Status.OK() {
		r = s.Repairer.Repair(ctx, pc, dep)
		if r.Status.OK() {
			pc.MarkChanged()
		}
	}
	s.result = &r
	if r.Status.OK() {
		return nil
	}

	se := &pipeline.StageError{
		Kind:        pipeline.KindHardDependencyMissing,
		Dependency:  dep.Name,
		Remediation: remediationFor(dep, pc),
		Output:      r.Output,
		Err:         unsatisfied(r.Reason),
	}
	if n := len(r.Attempts); n > 0 {
		se.Strategy = r.Attempts[n-1].Strategy
		if out := r.Attempts[n-1].Output; out != "" {
			se.Output = out
		}
	}
	return se
}
