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
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
)

// Policy decides what a failed stage does to the run.
type Policy int

const (
	// FailFast stages abort the run when they fail.
	FailFast Policy = iota

	// WarnOnly stages downgrade failure to a warning and the run continues.
	WarnOnly
)

// String returns the policy name.
func (p Policy) String() string {
	if p == WarnOnly {
		return "warn-only"
	}
	return "fail-fast"
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Outcome is how a stage ended.
type Outcome int

const (
	// OutcomeSkipped means the idempotency predicate held; nothing ran.
	OutcomeSkipped Outcome = iota
	OutcomeSuccess
	OutcomeFailed
	OutcomeWarned
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeWarned:
		return "warned"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Stage is one sequenced unit of provisioning work.
//
// # Description
//
// The orchestrator calls Satisfied first. A true result marks the stage
// Skipped and Run is never called, so Satisfied must not modify the host.
// Run performs the work; a returned error is judged against Policy. Stages
// that modify the host call ProvisioningContext.MarkChanged.
type Stage interface {
	Name() string
	Policy() Policy
	Satisfied(ctx context.Context, pc *ProvisioningContext) (bool, error)
	Run(ctx context.Context, pc *ProvisioningContext) error
}

// CheckReporter is implemented by dependency stages to attach the check
// result of their last Satisfied or Run call.
type CheckReporter interface {
	CheckResult() *deps.CheckResult
}

// StageResult records one stage execution.
type StageResult struct {
	Name     string            `json:"name"`
	Policy   Policy            `json:"policy"`
	Outcome  Outcome           `json:"outcome"`
	Error    *StageError       `json:"-"`
	Check    *deps.CheckResult `json:"check,omitempty"`
	Duration time.Duration     `json:"duration_ns"`
}

// Reason is the failure or warning text, empty otherwise.
func (r StageResult) Reason() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Error()
}
