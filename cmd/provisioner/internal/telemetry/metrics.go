// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
)

// Recorder records stage, run and strategy-attempt metrics.
//
// It satisfies pipeline.Metrics and installer.AttemptRecorder. Safe for
// concurrent use. Methods on a nil *Recorder do nothing.
type Recorder struct {
	stages        metric.Int64Counter
	stageDuration metric.Float64Histogram
	runs          metric.Int64Counter
	runDuration   metric.Float64Histogram
	attempts      metric.Int64Counter
	attemptDur    metric.Float64Histogram
}

// NewRecorder registers the provisioner instruments with meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var r Recorder
	var err error

	if r.stages, err = meter.Int64Counter("provisioner_stages",
		metric.WithDescription("Stage executions by stage and outcome")); err != nil {
		return nil, fmt.Errorf("register stages counter: %w", err)
	}
	if r.stageDuration, err = meter.Float64Histogram("provisioner_stage_duration",
		metric.WithDescription("Stage duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("register stage histogram: %w", err)
	}
	if r.runs, err = meter.Int64Counter("provisioner_runs",
		metric.WithDescription("Provisioning runs by mode and final state")); err != nil {
		return nil, fmt.Errorf("register runs counter: %w", err)
	}
	if r.runDuration, err = meter.Float64Histogram("provisioner_run_duration",
		metric.WithDescription("Run duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("register run histogram: %w", err)
	}
	if r.attempts, err = meter.Int64Counter("provisioner_strategy_attempts",
		metric.WithDescription("Acquisition strategy attempts by dependency, kind and result")); err != nil {
		return nil, fmt.Errorf("register attempts counter: %w", err)
	}
	if r.attemptDur, err = meter.Float64Histogram("provisioner_strategy_attempt_duration",
		metric.WithDescription("Acquisition strategy attempt duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("register attempt histogram: %w", err)
	}
	return &r, nil
}

// ObserveStage implements pipeline.Metrics.
func (r *Recorder) ObserveStage(stage string, outcome pipeline.Outcome, d time.Duration) {
	if r == nil {
		return
	}
	ctx := context.Background()
	r.stages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome.String()),
	))
	r.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// ObserveRun implements pipeline.Metrics.
func (r *Recorder) ObserveRun(mode pipeline.Mode, state pipeline.State, d time.Duration) {
	if r == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("state", state.String()),
	)
	r.runs.Add(ctx, 1, attrs)
	r.runDuration.Record(ctx, d.Seconds(), attrs)
}

// ObserveAttempt implements installer.AttemptRecorder.
func (r *Recorder) ObserveAttempt(dependency string, kind deps.StrategyKind, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	ctx := context.Background()
	result := "failure"
	if ok {
		result = "success"
	}
	r.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("kind", string(kind)),
		attribute.String("result", result),
	))
	r.attemptDur.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("kind", string(kind)),
	))
}
