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

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
)

// DependencyStage verifies one dependency and repairs it through the
// fallback chain.
type DependencyStage struct {
	Dependency deps.Dependency
	Verifier   Verifier
	Repairer   Repairer

	// VerifyOnly reports an unsatisfied dependency instead of repairing it.
	VerifyOnly bool

	result *deps.CheckResult
}

// Name implements pipeline.Stage.
func (s *DependencyStage) Name() string { return "dependency:" + s.Dependency.Name }

// Policy implements pipeline.Stage.
func (s *DependencyStage) Policy() pipeline.Policy { return pipeline.FailFast }

// CheckResult implements pipeline.CheckReporter.
func (s *DependencyStage) CheckResult() *deps.CheckResult { return s.result }

// Satisfied implements pipeline.Stage.
func (s *DependencyStage) Satisfied(ctx context.Context, pc *pipeline.ProvisioningContext) (bool, error) {
	r := s.Verifier.Verify(ctx, s.Dependency)
	s.result = &r
	return r.Status.OK(), nil
}

// Run implements pipeline.Stage.
func (s *DependencyStage) Run(ctx context.Context, pc *pipeline.ProvisioningContext) error {
	dep := s.Dependency
	if s.VerifyOnly {
		var out string
		var reason string
		if s.result != nil {
			out, reason = s.result.Output, s.result.Reason
		}
		return &pipeline.StageError{
			Kind:        pipeline.KindVerificationFailure,
			Dependency:  dep.Name,
			Remediation: remediationFor(dep, pc),
			Output:      out,
			Err:         unsatisfied(reason),
		}
	}

	r := s.Repairer.Repair(ctx, pc, dep)
	s.result = &r
	if r.Status.OK() {
		pc.MarkChanged()
		if r.Via != nil {
			pc.Logger().Info("dependency repaired", "dependency", dep.Name, "via", r.Via.Describe(), "version", r.DetectedVersion)
		}
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
		last := r.Attempts[n-1]
		se.Strategy = last.Strategy
		if last.Output != "" {
			se.Output = last.Output
		}
		if last.Error != "" {
			se.Err = fmt.Errorf("%s (last: %s)", se.Err, last.Error)
		}
	}
	if ctx.Err() != nil {
		se.Kind = pipeline.KindInterrupted
		se.Err = errors.Join(se.Err, ctx.Err())
	}
	return se
}

func unsatisfied(reason string) error {
	if reason == "" {
		reason = "not satisfied"
	}
	return errors.New(reason)
}
