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
Package telemetry wires OpenTelemetry tracing and metrics for a provisioning
run.

A provisioner run is a short-lived process, so nothing is scraped or served.
Spans go to a file (stdout exporter) or an OTLP collector, and metrics are
collected into a private Prometheus registry that is written once, at
shutdown, in the node_exporter textfile format:

	tel, err := telemetry.Init(ctx, telemetry.Config{
	    TraceExporter:  "stdout",
	    TraceFile:      "~/.provisioner/trace.json",
	    MetricExporter: "prometheus",
	    MetricsFile:    "/var/lib/node_exporter/provisioner.prom",
	})
	if err != nil {
	    return err
	}
	defer tel.Shutdown(context.Background())

	orch := pipeline.NewOrchestrator(stages, pipeline.Config{Metrics: tel.Recorder()})

# Environment Variables

  - OTEL_TRACES_EXPORTER: stdout, otlp, or none (default: none)
  - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
  - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
*/
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown exporter")

const meterName = "github.com/AleutianAI/provisioner"

// Config controls telemetry behavior.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter is "stdout", "otlp" or "none".
	TraceExporter string

	// TraceFile receives stdout-exported spans. Required for "stdout".
	TraceFile string

	OTLPEndpoint string
	OTLPInsecure bool

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string

	// MetricsFile receives the textfile ("prometheus") or JSON ("stdout")
	// metrics at shutdown. Metrics are still recorded when empty.
	MetricsFile string
}

// DefaultConfig returns defaults with OTEL_* environment overrides.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "provisioner",
		ServiceVersion: "dev",
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", "none"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
	}
}

// Telemetry owns the SDK providers for one run.
type Telemetry struct {
	config   Config
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
	recorder *Recorder
	closers  []io.Closer
}

// Init configures tracing and metrics and installs the tracer provider
// globally.
//
// # Description
//
// With TraceExporter "none" the global tracer provider is left untouched,
// so spans are no-ops. Metrics always have a provider so the Recorder is
// never nil.
//
// # Inputs
//
//   - ctx: Used by exporters that dial eagerly
//   - cfg: Exporter selection and destinations
//
// # Outputs
//
//   - *Telemetry: Call Shutdown on exit to flush spans and write metrics
//   - error: ErrUnknownExporter or a destination that cannot be opened
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "provisioner"
	}
	t := &Telemetry{config: cfg}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if cfg.TraceExporter != "" && cfg.TraceExporter != "none" {
		tp, err := t.initTracer(ctx, cfg, res)
		if err != nil {
			t.closeFiles()
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		t.tp = tp
		otel.SetTracerProvider(tp)
	}

	mp, err := t.initMeter(cfg, res)
	if err != nil {
		t.closeFiles()
		return nil, fmt.Errorf("init meter: %w", err)
	}
	t.mp = mp

	rec, err := NewRecorder(mp.Meter(meterName))
	if err != nil {
		t.closeFiles()
		return nil, fmt.Errorf("create recorder: %w", err)
	}
	t.recorder = rec
	return t, nil
}

func (t *Telemetry) initTracer(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "stdout":
		if cfg.TraceFile == "" {
			return nil, errors.New("stdout trace exporter needs a trace file")
		}
		f, ferr := openOutput(cfg.TraceFile, os.O_APPEND)
		if ferr != nil {
			return nil, ferr
		}
		t.closers = append(t.closers, f)
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(f))
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func (t *Telemetry) initMeter(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case "", "prometheus":
		t.registry = prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(t.registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), nil

	case "stdout":
		var w io.Writer = io.Discard
		if cfg.MetricsFile != "" {
			f, err := openOutput(cfg.MetricsFile, os.O_TRUNC)
			if err != nil {
				return nil, err
			}
			t.closers = append(t.closers, f)
			w = f
		}
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil

	case "none":
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

// Recorder returns the run's metric recorder. Nil for a nil Telemetry.
func (t *Telemetry) Recorder() *Recorder {
	if t == nil {
		return nil
	}
	return t.recorder
}

// Shutdown flushes spans, writes the metrics file and closes outputs.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tp != nil {
		if err := t.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if t.registry != nil && t.config.MetricsFile != "" {
		if err := os.MkdirAll(filepath.Dir(t.config.MetricsFile), 0o755); err != nil {
			errs = append(errs, err)
		} else if err := prometheus.WriteToTextfile(t.config.MetricsFile, t.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	if t.mp != nil {
		if err := t.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	if err := t.closeFiles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Telemetry) closeFiles() error {
	var errs []error
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

func openOutput(path string, mode int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|mode, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
