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
	"fmt"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
)

// PlatformStage detects the host and records it in the run context.
//
// Unsupported hosts are a warning, not a failure: package-manager strategies
// soft-fail there and download or source strategies may still succeed.
type PlatformStage struct {
	Detector Detector
}

// Name implements pipeline.Stage.
func (s *PlatformStage) Name() string { return "platform" }

// Policy implements pipeline.Stage.
func (s *PlatformStage) Policy() pipeline.Policy { return pipeline.WarnOnly }

// Satisfied detects the platform. Detection itself never fails.
func (s *PlatformStage) Satisfied(ctx context.Context, pc *pipeline.ProvisioningContext) (bool, error) {
	info := s.Detector.Detect()
	pc.SetPlatform(info)
	pc.Logger().Info("platform detected",
		"family", info.Family.String(),
		"package_manager", info.ManagerName(),
		"os", info.OS,
		"arch", info.Arch,
	)
	return !info.NeedsManualIntervention(), nil
}

// Run reports why the host needs manual intervention.
func (s *PlatformStage) Run(ctx context.Context, pc *pipeline.ProvisioningContext) error {
	info := pc.Platform()
	reason := fmt.Sprintf("unsupported platform %s/%s", info.OS, info.Arch)
	if info.DistroID != "" {
		reason = fmt.Sprintf("unsupported distribution %q", info.DistroID)
	}
	if info.Family != platform.FamilyUnknown && !info.PackageManagerPresent {
		reason = fmt.Sprintf("no %s package manager found", info.Family)
	}
	return &pipeline.StageError{
		Kind:        pipeline.KindVerificationFailure,
		Remediation: "Install missing tools manually; only download and source strategies will be attempted.",
		Err:         fmt.Errorf("%s: manual intervention required", reason),
	}
}
