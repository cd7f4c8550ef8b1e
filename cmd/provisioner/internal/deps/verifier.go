// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
)

// DefaultCheckTimeout bounds each check command.
const DefaultCheckTimeout = 15 * time.Second

// maxOutputExcerpt caps captured output kept in results and reports.
const maxOutputExcerpt = 512

// Verifier checks dependencies without changing the host.
type Verifier struct {
	pm      process.ProcessManager
	timeout time.Duration
	logger  *slog.Logger
}

// NewVerifier creates a Verifier. A zero timeout uses DefaultCheckTimeout.
func NewVerifier(pm process.ProcessManager, timeout time.Duration, logger *slog.Logger) *Verifier {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{pm: pm, timeout: timeout, logger: logger}
}

// Verify runs dep's check command and evaluates the result.
//
// # Description
//
// A missing command or non-zero exit is Unsatisfied. Without a minimum
// version, exit 0 is Satisfied regardless of output. With one, the version
// extractor must match the combined output and the extracted version must
// not be older than the minimum.
//
// # Inputs
//
//   - ctx: Cancellation; each check is further bounded by the verifier timeout
//   - dep: Dependency to check
//
// # Outputs
//
//   - CheckResult: Satisfied or Unsatisfied, never Repaired
func (v *Verifier) Verify(ctx context.Context, dep Dependency) CheckResult {
	result := CheckResult{Dependency: dep.Name, Status: StatusUnsatisfied}
	if len(dep.Check) == 0 {
		result.Reason = "no check command declared"
		return result
	}

	cmd := process.Command{Name: dep.Check[0], Args: dep.Check[1:], Timeout: v.timeout}
	res, err := v.pm.Run(ctx, cmd)
	output := res.Combined()
	result.Output = Excerpt(output)
	if err != nil {
		if process.IsNotFound(err) {
			result.Reason = fmt.Sprintf("%s not found", dep.Check[0])
		} else {
			result.Reason = fmt.Sprintf("check command failed: %v", err)
		}
		v.logger.Debug("dependency check failed", "dependency", dep.Name, "reason", result.Reason)
		return result
	}

	pattern, err := dep.Pattern()
	if err != nil {
		result.Reason = err.Error()
		return result
	}
	version, found := ExtractVersion(pattern, output)
	if found {
		result.DetectedVersion = version
	}

	if dep.MinVersion == "" {
		result.Status = StatusSatisfied
		v.logger.Debug("dependency satisfied", "dependency", dep.Name, "version", result.DetectedVersion)
		return result
	}

	if !found {
		result.Reason = fmt.Sprintf("could not determine version (need >= %s)", dep.MinVersion)
		return result
	}
	cmp, err := CompareVersions(version, dep.MinVersion)
	if err != nil {
		result.Reason = fmt.Sprintf("compare version: %v", err)
		return result
	}
	if cmp < 0 {
		result.Reason = fmt.Sprintf("version %s is older than required %s", version, dep.MinVersion)
		v.logger.Debug("dependency too old", "dependency", dep.Name, "version", version, "min", dep.MinVersion)
		return result
	}

	result.Status = StatusSatisfied
	v.logger.Debug("dependency satisfied", "dependency", dep.Name, "version", version, "min", dep.MinVersion)
	return result
}

// Excerpt trims output to a bounded tail suitable for reports.
func Excerpt(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxOutputExcerpt {
		return output
	}
	return "..." + output[len(output)-maxOutputExcerpt:]
}
