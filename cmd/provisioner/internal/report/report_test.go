// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
	"github.com/AleutianAI/provisioner/pkg/ux"
)

func withPersonality(t *testing.T, level ux.PersonalityLevel) {
	t.Helper()
	prev := ux.GetPersonality()
	ux.SetPersonalityLevel(level)
	t.Cleanup(func() { ux.SetPersonality(prev) })
}

func sampleRun(stages ...pipeline.StageResult) *pipeline.Run {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	state := pipeline.StateCompleted
	for _, s := range stages {
		if s.Outcome == pipeline.OutcomeFailed {
			state = pipeline.StateAborted
		}
	}
	return &pipeline.Run{
		ID:         "run-1",
		Mode:       pipeline.ModeRun,
		State:      state,
		Platform:   platform.Info{Family: platform.FamilyDebian, OS: "linux", Arch: "amd64"},
		Stages:     stages,
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
	}
}

func repairedGit() pipeline.StageResult {
	via := deps.Strategy{Kind: deps.KindPackage, Packages: map[string]string{"debian": "git"}}
	return pipeline.StageResult{
		Name:    "dependency:git",
		Outcome: pipeline.OutcomeSuccess,
		Check:   &deps.CheckResult{Dependency: "git", Status: deps.StatusRepaired, DetectedVersion: "2.43.0", Via: &via},
	}
}

func optionalAssetWarning() pipeline.StageResult {
	return pipeline.StageResult{
		Name:    "asset:phi3",
		Policy:  pipeline.WarnOnly,
		Outcome: pipeline.OutcomeWarned,
		Error: &pipeline.StageError{
			Kind:       pipeline.KindOptionalAssetFailure,
			Stage:      "asset:phi3",
			Dependency: "phi3",
			Err:        errors.New("registry unreachable"),
		},
	}
}

func buildFailure() pipeline.StageResult {
	return pipeline.StageResult{
		Name:    "build",
		Outcome: pipeline.OutcomeFailed,
		Error: &pipeline.StageError{
			Kind:        pipeline.KindBuildFailure,
			Stage:       "build",
			Output:      "error[E0425]: cannot find value `x`",
			Remediation: "Fix the error above and re-run.",
			Err:         errors.New("compile: exit status 101"),
		},
	}
}

func TestBuild_ExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		run      *pipeline.Run
		wantCode ExitCode
		warnings int
		failure  bool
	}{
		{
			name:     "all skipped",
			run:      sampleRun(pipeline.StageResult{Name: "platform", Outcome: pipeline.OutcomeSkipped}),
			wantCode: ExitSuccess,
		},
		{
			name:     "warning only",
			run:      sampleRun(repairedGit(), optionalAssetWarning()),
			wantCode: ExitSuccess,
			warnings: 1,
		},
		{
			name:     "failure",
			run:      sampleRun(repairedGit(), buildFailure()),
			wantCode: ExitFailure,
			failure:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, code := Build(tt.run)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantCode, r.ExitCode)
			assert.Len(t, r.Warnings, tt.warnings)
			assert.Equal(t, tt.failure, r.Failure != nil)
			assert.Equal(t, tt.wantCode == ExitSuccess, r.Succeeded)
			assert.Equal(t, int64(90000), r.DurationMS)
		})
	}
}

func TestBuild_OptionalAssetWarning(t *testing.T) {
	r, _ := Build(sampleRun(optionalAssetWarning()))
	require.Len(t, r.Warnings, 1)
	w := r.Warnings[0]
	assert.Equal(t, "OptionalAssetFailure", w.Kind)
	assert.Equal(t, "phi3", w.Dependency)
	assert.Equal(t, "registry unreachable", w.Message)
	assert.Equal(t, Summary{Warned: 1}, r.Summary)
}

func TestBuild_FailedWithoutTypedError(t *testing.T) {
	r, code := Build(sampleRun(pipeline.StageResult{Name: "health", Outcome: pipeline.OutcomeFailed}))
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, r.Failure)
	assert.Equal(t, "Internal", r.Failure.Kind)
	assert.Equal(t, "health", r.Failure.Stage)
}

func TestWriteJSON(t *testing.T) {
	r, _ := Build(sampleRun(repairedGit(), buildFailure()))
	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "aborted", decoded["state"])
	assert.EqualValues(t, 1, decoded["exit_code"])

	failure := decoded["failure"].(map[string]any)
	assert.Equal(t, "BuildFailure", failure["kind"])
	assert.Contains(t, failure["output"], "E0425")

	stages := decoded["stages"].([]any)
	check := stages[0].(map[string]any)["check"].(map[string]any)
	assert.Equal(t, "repaired", check["status"])
	assert.Equal(t, "debian", decoded["platform"].(map[string]any)["family"])
}

func TestWriteText_Machine(t *testing.T) {
	withPersonality(t, ux.PersonalityMachine)

	r, _ := Build(sampleRun(
		pipeline.StageResult{Name: "platform", Outcome: pipeline.OutcomeSkipped},
		repairedGit(),
		optionalAssetWarning(),
		buildFailure(),
	))
	var buf bytes.Buffer
	r.WriteText(&buf)
	out := buf.String()

	assert.Contains(t, out, "SKIP: platform already satisfied")
	assert.Contains(t, out, "OK: dependency:git repaired via package(git) (2.43.0)")
	assert.Contains(t, out, "WARN: asset:phi3: registry unreachable")
	assert.Contains(t, out, "ERROR: build: BuildFailure")
	assert.Contains(t, out, "ERROR build failed: Kind: BuildFailure")
	assert.Contains(t, out, "To fix: Fix the error above")
	assert.True(t, strings.HasSuffix(out, "SUMMARY: ok=1 skipped=1 warned=1 failed=1\n"), out)
	assert.NotContains(t, out, "Provisioning run", "machine mode has no title")
}

func TestWriteText_TipsHidden(t *testing.T) {
	prev := ux.GetPersonality()
	ux.SetPersonality(ux.Personality{Level: ux.PersonalityStandard, ShowTips: false})
	t.Cleanup(func() { ux.SetPersonality(prev) })

	r, _ := Build(sampleRun(buildFailure()))
	var buf bytes.Buffer
	r.WriteText(&buf)
	assert.NotContains(t, buf.String(), "To fix")
	assert.Contains(t, buf.String(), "E0425")
}
