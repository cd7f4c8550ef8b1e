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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
)

// Mode selects which stages a run includes.
type Mode string

const (
	// ModeRun runs every stage.
	ModeRun Mode = "run"

	// ModeDeps detects the platform and provisions dependencies.
	ModeDeps Mode = "deps"

	// ModeBuild detects the platform and builds the application.
	ModeBuild Mode = "build"

	// ModeVerify checks everything and changes nothing.
	ModeVerify Mode = "verify"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeRun, ModeDeps, ModeBuild, ModeVerify:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// State is the lifecycle of a run.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Run is the record of one provisioning run.
type Run struct {
	ID         string        `json:"run_id"`
	Mode       Mode          `json:"mode"`
	State      State         `json:"state"`
	Platform   platform.Info `json:"platform"`
	Stages     []StageResult `json:"stages"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Succeeded reports whether no stage failed.
func (r *Run) Succeeded() bool {
	return r.Failed() == nil
}

// Failed returns the first failed stage, or nil.
func (r *Run) Failed() *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Outcome == OutcomeFailed {
			return &r.Stages[i]
		}
	}
	return nil
}

// Counts tallies stage outcomes.
func (r *Run) Counts() (success, skipped, warned, failed int) {
	for _, s := range r.Stages {
		switch s.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeSkipped:
			skipped++
		case OutcomeWarned:
			warned++
		case OutcomeFailed:
			failed++
		}
	}
	return success, skipped, warned, failed
}

// Duration is the wall time of the run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
