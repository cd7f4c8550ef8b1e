// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package pipeline sequences provisioning stages.

# State Machine

	NotStarted ──► Running(stage₁ … stageₙ) ──► Completed
	                       │
	                       └── FailFast stage Failed ──► Aborted

For every stage the orchestrator evaluates the idempotency predicate
(Satisfied) first; a satisfied stage is Skipped with no side effects.
Otherwise Run executes and its error is judged against the stage policy:
FailFast failures abort the run, WarnOnly failures become warnings. Stages
after an abort are not executed.

# Usage

	pc := pipeline.NewContext(pipeline.ContextConfig{RunID: id, Mode: pipeline.ModeRun})
	orch := pipeline.NewOrchestrator(stages, pipeline.Config{Logger: logger})
	run := orch.Execute(ctx, pc)
	if !run.Succeeded() { ... }
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"

// Metrics observes stage and run outcomes.
type Metrics interface {
	ObserveStage(stage string, outcome Outcome, d time.Duration)
	ObserveRun(mode Mode, state State, d time.Duration)
}

// Observer is notified as stages start and finish, for live progress output.
type Observer interface {
	StageStarted(name string)
	StageFinished(result StageResult)
}

// Config configures an Orchestrator.
type Config struct {
	Metrics  Metrics
	Observer Observer
	Logger   *slog.Logger
}

// Orchestrator runs stages in order.
type Orchestrator struct {
	stages []Stage
	config Config
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator over stages, in execution order.
func NewOrchestrator(stages []Stage, config Config) *Orchestrator {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{stages: stages, config: config, logger: logger}
}

// Stages returns the stage names in execution order.
func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name()
	}
	return names
}

// Execute runs the pipeline.
//
// # Description
//
// Runs every stage in order until one FailFast stage fails or ctx is
// cancelled. Never returns nil; the run's State is Completed or Aborted.
//
// # Inputs
//
//   - ctx: Cancelling ctx aborts the run before the next stage
//   - pc: Per-run state shared by all stages
//
// # Outputs
//
//   - *Run: Every executed stage with its outcome and typed error
func (o *Orchestrator) Execute(ctx context.Context, pc *ProvisioningContext) *Run {
	run := &Run{ID: pc.RunID, Mode: pc.Mode, State: StateNotStarted}
	if run.ID == "" {
		run.ID = NewRunID()
		pc.RunID = run.ID
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("mode", string(run.Mode)),
	))
	defer span.End()

	log := o.logger.With("run_id", run.ID, "mode", run.Mode)
	run.State = StateRunning
	run.StartedAt = time.Now()
	log.Info("provisioning run started", "stages", len(o.stages))

	for _, stage := range o.stages {
		if err := ctx.Err(); err != nil {
			result := StageResult{
				Name:    stage.Name(),
				Policy:  stage.Policy(),
				Outcome: OutcomeFailed,
				Error:   &StageError{Kind: KindInterrupted, Stage: stage.Name(), Err: err},
			}
			run.Stages = append(run.Stages, result)
			o.notify(result)
			run.State = StateAborted
			break
		}

		if o.config.Observer != nil {
			o.config.Observer.StageStarted(stage.Name())
		}
		result := o.executeStage(ctx, pc, stage, log)
		run.Stages = append(run.Stages, result)
		o.notify(result)

		if result.Outcome == OutcomeFailed {
			log.Error("stage failed, aborting run", "stage", result.Name, "error", result.Reason())
			run.State = StateAborted
			break
		}
	}

	run.Platform = pc.Platform()
	if run.State == StateRunning {
		run.State = StateCompleted
	}
	run.FinishedAt = time.Now()

	span.SetAttributes(attribute.String("state", run.State.String()))
	if run.State == StateAborted {
		span.SetStatus(codes.Error, "run aborted")
	}
	if o.config.Metrics != nil {
		o.config.Metrics.ObserveRun(run.Mode, run.State, run.Duration())
	}
	success, skipped, warned, failed := run.Counts()
	log.Info("provisioning run finished", "state", run.State.String(), "duration", run.Duration(),
		"success", success, "skipped", skipped, "warned", warned, "failed", failed)
	return run
}

func (o *Orchestrator) notify(result StageResult) {
	if o.config.Observer != nil {
		o.config.Observer.StageFinished(result)
	}
	if o.config.Metrics != nil {
		o.config.Metrics.ObserveStage(result.Name, result.Outcome, result.Duration)
	}
}

// executeStage evaluates the predicate, runs the stage, and applies policy.
// Panics become KindInternal failures.
func (o *Orchestrator) executeStage(ctx context.Context, pc *ProvisioningContext, stage Stage, log *slog.Logger) (result StageResult) {
	name := stage.Name()
	result = StageResult{Name: name, Policy: stage.Policy()}
	log = log.With("stage", name)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.Stage", trace.WithAttributes(
		attribute.String("stage", name),
		attribute.String("policy", result.Policy.String()),
	))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result.Error = &StageError{Kind: KindInternal, Stage: name, Err: fmt.Errorf("stage panicked: %v", r)}
			result.Outcome = o.judge(result.Policy)
		}
		if cr, ok := stage.(CheckReporter); ok {
			result.Check = cr.CheckResult()
		}
		result.Duration = time.Since(start)

		span.SetAttributes(attribute.String("outcome", result.Outcome.String()))
		if result.Error != nil {
			span.RecordError(result.Error)
			span.SetAttributes(attribute.String("error_kind", result.Error.Kind.String()))
		}
		if result.Outcome == OutcomeFailed {
			span.SetStatus(codes.Error, result.Reason())
		}
		span.End()
	}()

	satisfied, err := stage.Satisfied(ctx, pc)
	if err != nil {
		result.Error = o.stageError(ctx, name, KindVerificationFailure, err)
		result.Outcome = o.judge(result.Policy)
		log.Warn("idempotency check failed", "error", err)
		return result
	}
	if satisfied {
		result.Outcome = OutcomeSkipped
		log.Info("stage already satisfied, skipping")
		return result
	}

	log.Info("stage running")
	if err := stage.Run(ctx, pc); err != nil {
		result.Error = o.stageError(ctx, name, KindInternal, err)
		result.Outcome = o.judge(result.Policy)
		if result.Outcome == OutcomeWarned {
			log.Warn("stage failed under warn-only policy", "kind", result.Error.Kind.String(), "error", result.Error.Err)
		}
		return result
	}

	result.Outcome = OutcomeSuccess
	log.Info("stage succeeded", "duration", time.Since(start))
	return result
}

func (o *Orchestrator) judge(p Policy) Outcome {
	if p == WarnOnly {
		return OutcomeWarned
	}
	return OutcomeFailed
}

// stageError normalizes err to a StageError naming stage. Errors caused by
// cancellation are reported as interruptions.
func (o *Orchestrator) stageError(ctx context.Context, stage string, fallback ErrorKind, err error) *StageError {
	kind := fallback
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		kind = KindInterrupted
	}
	se := Wrap(kind, err)
	if se.Stage == "" {
		se.Stage = stage
	}
	return se
}
