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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
)

func resetGlobalTracer(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cfg := DefaultConfig()
	assert.Equal(t, "provisioner", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)

	t.Setenv("OTEL_TRACES_EXPORTER", "otlp")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	cfg = DefaultConfig()
	assert.Equal(t, "otlp", cfg.TraceExporter)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
}

func TestInit_UnknownExporter(t *testing.T) {
	resetGlobalTracer(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"trace", Config{TraceExporter: "jaeger", MetricExporter: "none"}},
		{"metric", Config{TraceExporter: "none", MetricExporter: "statsd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnknownExporter)
		})
	}
}

func TestInit_StdoutTraceNeedsFile(t *testing.T) {
	resetGlobalTracer(t)
	_, err := Init(context.Background(), Config{TraceExporter: "stdout", MetricExporter: "none"})
	require.Error(t, err)
}

func TestPrometheusTextfile(t *testing.T) {
	resetGlobalTracer(t)
	path := filepath.Join(t.TempDir(), "metrics", "provisioner.prom")

	tel, err := Init(context.Background(), Config{
		ServiceVersion: "test",
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		MetricsFile:    path,
	})
	require.NoError(t, err)

	rec := tel.Recorder()
	require.NotNil(t, rec)
	rec.ObserveStage("platform", pipeline.OutcomeSkipped, 5*time.Millisecond)
	rec.ObserveStage("dependency:git", pipeline.OutcomeSuccess, 2*time.Second)
	rec.ObserveRun(pipeline.ModeRun, pipeline.StateCompleted, 3*time.Second)
	rec.ObserveAttempt("git", deps.KindPackage, true, time.Second)

	require.NoError(t, tel.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "provisioner_stages_total")
	assert.Contains(t, text, `stage="platform"`)
	assert.Contains(t, text, `outcome="skipped"`)
	assert.Contains(t, text, "provisioner_runs_total")
	assert.Contains(t, text, `state="completed"`)
	assert.Contains(t, text, "provisioner_strategy_attempts_total")
	assert.Contains(t, text, `result="success"`)
}

func TestStdoutTraceFile(t *testing.T) {
	resetGlobalTracer(t)
	path := filepath.Join(t.TempDir(), "trace.json")

	tel, err := Init(context.Background(), Config{
		TraceExporter:  "stdout",
		TraceFile:      path,
		MetricExporter: "none",
	})
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry_test").Start(context.Background(), "unit.span")
	span.End()

	require.NoError(t, tel.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "unit.span")
}

func TestStdoutMetricsFile(t *testing.T) {
	resetGlobalTracer(t)
	path := filepath.Join(t.TempDir(), "metrics.json")

	tel, err := Init(context.Background(), Config{
		TraceExporter:  "none",
		MetricExporter: "stdout",
		MetricsFile:    path,
	})
	require.NoError(t, err)

	tel.Recorder().ObserveRun(pipeline.ModeVerify, pipeline.StateAborted, time.Second)
	require.NoError(t, tel.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "provisioner_runs")
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry
	rec := tel.Recorder()
	assert.Nil(t, rec)
	assert.NotPanics(t, func() {
		rec.ObserveStage("platform", pipeline.OutcomeSuccess, time.Second)
		rec.ObserveRun(pipeline.ModeRun, pipeline.StateCompleted, time.Second)
		rec.ObserveAttempt("git", deps.KindSource, false, time.Second)
	})
	assert.NoError(t, tel.Shutdown(context.Background()))
}
