// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report turns a finished provisioning run into operator output and
// a process exit status.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
	"github.com/AleutianAI/provisioner/pkg/ux"
)

// ExitCode is the provisioner's process exit status.
type ExitCode int

const (
	// ExitSuccess means no stage failed. Warnings do not change it.
	ExitSuccess ExitCode = 0

	// ExitFailure means a FailFast stage failed or the run was interrupted.
	ExitFailure ExitCode = 1

	// ExitUsage means the run never started: bad flags, config or manifest.
	ExitUsage ExitCode = 2
)

// Problem describes one failed or warned stage.
type Problem struct {
	Stage       string `json:"stage"`
	Kind        string `json:"kind"`
	Dependency  string `json:"dependency,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	Message     string `json:"message"`
	Output      string `json:"output,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Stage is one line of the report.
type Stage struct {
	Name       string            `json:"name"`
	Policy     string            `json:"policy"`
	Outcome    string            `json:"outcome"`
	DurationMS int64             `json:"duration_ms"`
	Check      *deps.CheckResult `json:"check,omitempty"`
	Problem    *Problem          `json:"problem,omitempty"`
}

// Summary counts stage outcomes.
type Summary struct {
	Success int `json:"success"`
	Skipped int `json:"skipped"`
	Warned  int `json:"warned"`
	Failed  int `json:"failed"`
}

// Report is the rendered result of a run.
type Report struct {
	RunID      string        `json:"run_id"`
	Mode       string        `json:"mode"`
	State      string        `json:"state"`
	Succeeded  bool          `json:"succeeded"`
	ExitCode   ExitCode      `json:"exit_code"`
	Platform   platform.Info `json:"platform"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	DurationMS int64         `json:"duration_ms"`
	Stages     []Stage       `json:"stages"`
	Summary    Summary       `json:"summary"`

	// Warnings lists every Warned stage in order.
	Warnings []Problem `json:"warnings,omitempty"`

	// Failure is the stage that aborted the run.
	Failure *Problem `json:"failure,omitempty"`
}

// Build converts run into a Report and its exit code.
//
// # Description
//
// The exit code is ExitSuccess iff no stage failed. Warned stages are listed
// under Warnings and never change the exit code.
//
// # Inputs
//
//   - run: A finished run from pipeline.Orchestrator.Execute
//
// # Outputs
//
//   - Report: Ready to render as text or JSON
//   - ExitCode: ExitSuccess or ExitFailure
func Build(run *pipeline.Run) (Report, ExitCode) {
	r := Report{
		RunID:      run.ID,
		Mode:       string(run.Mode),
		State:      run.State.String(),
		Platform:   run.Platform,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMS: run.Duration().Milliseconds(),
	}

	for _, sr := range run.Stages {
		st := Stage{
			Name:       sr.Name,
			Policy:     sr.Policy.String(),
			Outcome:    sr.Outcome.String(),
			DurationMS: sr.Duration.Milliseconds(),
			Check:      sr.Check,
		}
		if sr.Outcome == pipeline.OutcomeFailed || sr.Outcome == pipeline.OutcomeWarned {
			p := problem(sr)
			st.Problem = &p
			if sr.Outcome == pipeline.OutcomeWarned {
				r.Warnings = append(r.Warnings, p)
			} else if r.Failure == nil {
				r.Failure = &p
			}
		}
		r.Stages = append(r.Stages, st)
	}

	r.Summary.Success, r.Summary.Skipped, r.Summary.Warned, r.Summary.Failed = run.Counts()
	r.Succeeded = r.Summary.Failed == 0
	r.ExitCode = ExitSuccess
	if !r.Succeeded {
		r.ExitCode = ExitFailure
	}
	return r, r.ExitCode
}

func problem(sr pipeline.StageResult) Problem {
	e := sr.Error
	if e == nil {
		e = &pipeline.StageError{Kind: pipeline.KindInternal}
	}
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	stage := e.Stage
	if stage == "" {
		stage = sr.Name
	}
	return Problem{
		Stage:       stage,
		Kind:        e.Kind.String(),
		Dependency:  e.Dependency,
		Strategy:    e.Strategy,
		Message:     msg,
		Output:      e.Output,
		Remediation: e.Remediation,
	}
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText renders the report for an operator, honoring the active
// personality level.
func (r Report) WriteText(w io.Writer) {
	p := ux.NewPrinter(w)
	p.Title(fmt.Sprintf("Provisioning %s (%s)", r.Mode, r.State))
	p.Muted(fmt.Sprintf("run %s on %s/%s, %s", r.RunID, r.Platform.OS, r.Platform.Arch, r.Platform.Family))

	for _, st := range r.Stages {
		switch st.Outcome {
		case pipeline.OutcomeSkipped.String():
			p.Skipped(st.Name + " already satisfied")
		case pipeline.OutcomeSuccess.String():
			p.Success(st.Name + successDetail(st))
		case pipeline.OutcomeWarned.String():
			p.Warning(fmt.Sprintf("%s: %s", st.Name, st.Problem.Message))
		case pipeline.OutcomeFailed.String():
			p.Error(fmt.Sprintf("%s: %s", st.Name, st.Problem.Kind))
		}
	}

	for _, warn := range r.Warnings {
		if warn.Kind == pipeline.KindOptionalAssetFailure.String() {
			p.Info(fmt.Sprintf("%s %s could not be fetched; the application runs without it", ux.IconBullet, warn.Dependency))
		}
	}

	if r.Failure != nil {
		p.ErrorBox(r.Failure.Stage+" failed", failureBody(*r.Failure))
	}

	p.Summary(r.Summary.Success, r.Summary.Skipped, r.Summary.Warned, r.Summary.Failed)
}

func successDetail(st Stage) string {
	if st.Check != nil && st.Check.Status == deps.StatusRepaired && st.Check.Via != nil {
		detail := " repaired via " + st.Check.Via.Describe()
		if st.Check.DetectedVersion != "" {
			detail += " (" + st.Check.DetectedVersion + ")"
		}
		return detail
	}
	return fmt.Sprintf(" (%s)", (time.Duration(st.DurationMS) * time.Millisecond).String())
}

func failureBody(f Problem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\n", f.Kind)
	if f.Dependency != "" {
		fmt.Fprintf(&b, "Dependency: %s\n", f.Dependency)
	}
	if f.Strategy != "" {
		fmt.Fprintf(&b, "Last strategy: %s\n", f.Strategy)
	}
	fmt.Fprintf(&b, "Error: %s", f.Message)
	if f.Output != "" {
		b.WriteString("\n\nOutput:\n")
		b.WriteString(f.Output)
	}
	if f.Remediation != "" && ux.GetPersonality().ShowTips {
		b.WriteString("\n\nTo fix: ")
		b.WriteString(f.Remediation)
	}
	return b.String()
}
