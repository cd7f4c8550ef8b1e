// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/config"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/build"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/checkpoint"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/installer"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/report"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/runtime"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/stages"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/telemetry"
	"github.com/AleutianAI/provisioner/pkg/logging"
	"github.com/AleutianAI/provisioner/pkg/ux"
)

// telemetryFlushTimeout bounds span and metric export after the run.
const telemetryFlushTimeout = 5 * time.Second

// provision runs one pipeline mode end to end.
//
// # Description
//
// Loads config and manifest, takes the process lock, wires the real
// collaborators, executes the planned stages and prints the report.
//
// # Inputs
//
//   - ctx: Cancelled on SIGINT/SIGTERM; the run then aborts as interrupted
//   - mode: Pipeline mode
//   - opts: Persistent flags
//   - s: Standard streams
//
// # Outputs
//
//   - report.ExitCode: The report's exit code when the pipeline ran
//   - error: An *exitError when the run could not start
func provision(ctx context.Context, mode pipeline.Mode, opts options, s streams) (report.ExitCode, error) {
	cfg, cfgPath, err := config.Load(opts.configPath)
	if err != nil {
		return 0, usageErr(err)
	}
	needsApp := mode == pipeline.ModeRun || mode == pipeline.ModeBuild
	if err := cfg.Validate(needsApp); err != nil {
		return 0, usageErr(fmt.Errorf("config %s: %w", cfgPath, err))
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		LogDir: cfg.Log.Dir,
		JSON:   cfg.Log.JSON,
		Stderr: s.err,
	})
	defer logger.Close()

	manifestPath := cfg.Manifest
	if opts.manifest != "" {
		manifestPath = opts.manifest
	}
	manifest, err := deps.LoadManifest(manifestPath)
	if err != nil {
		return 0, usageErr(err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return 0, failureErr(fmt.Errorf("create state dir: %w", err))
	}
	lock := process.NewProcessLock(process.ProcessLockConfig{LockDir: cfg.StateDir})
	if err := lock.Acquire(); err != nil {
		return 0, failureErr(err)
	}
	defer lock.Release()

	runID := pipeline.NewRunID()
	log := logger.With("run_id", runID).Slog()
	log.Info("configuration loaded", "config", cfgPath, "manifest", manifest.Source, "mode", mode)

	tel := startTelemetry(ctx, cfg.Telemetry, log)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	recorder := tel.Recorder()

	searchPath := process.NewSearchPath()
	if cfg.Tools.BinDir != "" {
		searchPath.Prepend(cfg.Tools.BinDir)
	}
	pm := process.NewDefaultProcessManager(searchPath)

	verifier := deps.NewVerifier(pm, deps.DefaultCheckTimeout, log)
	fetcher := installer.NewFetcher(installer.FetcherConfig{Logger: log})
	layout := installer.Layout{
		ToolsDir:  cfg.Tools.Dir,
		BinDir:    cfg.Tools.BinDir,
		MinFreeMB: cfg.Tools.MinFreeMB,
		Jobs:      cfg.Tools.Jobs,
	}
	chain := installer.NewChain(verifier, map[deps.StrategyKind]installer.Acquirer{
		deps.KindPackage:  installer.NewPackageAcquirer(pm, log),
		deps.KindDownload: installer.NewDownloadAcquirer(fetcher, pm, layout, log),
		deps.KindSource:   installer.NewSourceAcquirer(fetcher, pm, layout, log),
	}, installer.ChainConfig{
		ScratchRoot: filepath.Join(cfg.StateDir, "scratch"),
		Recorder:    recorder,
		Logger:      log,
	})

	client := runtime.NewClient(runtime.ClientConfig{BaseURL: cfg.Runtime.BaseURL, Logger: log})
	defer client.Close()
	service := runtime.NewService(client, pm, runtime.ServiceConfig{
		Binary:  cfg.Runtime.Binary,
		BaseURL: client.BaseURL(),
		LogDir:  cfg.Runtime.LogDir,
		Logger:  log,
	})

	collab := build.NewGitCargo(pm, build.Config{
		Repository:  cfg.App.Repository,
		Ref:         cfg.App.Ref,
		CompileArgv: cfg.App.CompileArgv,
		Artifact:    cfg.App.Artifact,
		Logger:      log,
	})

	planned, err := stages.Plan(mode, stages.Set{
		Manifest: manifest,
		Detector: platform.NewDetector(searchPath.LookPath, log),
		Verifier: verifier,
		Repairer: chain,
		Build: stages.BuildOptions{
			Collaborator:  collab,
			Checkpoints:   checkpoint.NewManager(checkpoint.Config{StateDir: cfg.StateDir, RunID: runID, Logger: log}),
			InstallDir:    cfg.App.InstallDir,
			Dirs:          cfg.App.Dirs,
			ConfigFile:    cfg.App.ConfigFile,
			ConfigExample: cfg.App.ConfigExample,
		},
		Runtime: stages.RuntimeOptions{Service: service, Dependency: cfg.Runtime.Dependency},
		Assets: stages.AssetOptions{
			Store:      client,
			Default:    cfg.Runtime.DefaultAsset,
			Additional: cfg.Runtime.AdditionalAssets,
		},
		Health: stages.HealthOptions{PM: pm, Args: cfg.App.SelfTestArgs},
		Logger: log,
	})
	if err != nil {
		return 0, usageErr(err)
	}

	pc := pipeline.NewContext(pipeline.ContextConfig{
		RunID:      runID,
		Mode:       mode,
		SearchPath: searchPath,
		Prompter:   selectPrompter(opts.yes, s.in, s.err),
		Logger:     log,
	})

	var observer pipeline.Observer
	if !opts.json {
		observer = &progressObserver{printer: ux.NewPrinter(s.err)}
	}
	orch := pipeline.NewOrchestrator(planned, pipeline.Config{
		Metrics:  recorder,
		Observer: observer,
		Logger:   log,
	})

	log.Info("pipeline planned", "mode", mode, "stages", orch.Stages())
	run := orch.Execute(ctx, pc)
	rep, code := report.Build(run)
	if err := render(s.out, rep, opts.json); err != nil {
		log.Error("write report failed", "error", err)
	}
	log.Info("provisioning run finished", "state", run.State, "exit_code", int(code), "log_file", logger.FilePath())
	return code, nil
}

// startTelemetry initializes exporters. Telemetry never blocks provisioning:
// on error it falls back to metrics with no exporter, and to nil if even
// that fails. A nil *Telemetry and its nil Recorder are no-ops.
func startTelemetry(ctx context.Context, tc config.TelemetryConfig, log *slog.Logger) *telemetry.Telemetry {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if os.Getenv("OTEL_TRACES_EXPORTER") == "" && tc.TraceExporter != "" {
		cfg.TraceExporter = tc.TraceExporter
	}
	if os.Getenv("OTEL_METRICS_EXPORTER") == "" && tc.MetricExporter != "" {
		cfg.MetricExporter = tc.MetricExporter
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && tc.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = tc.OTLPEndpoint
	}
	cfg.TraceFile = tc.TraceFile
	cfg.MetricsFile = tc.MetricsFile

	tel, err := telemetry.Init(ctx, cfg)
	if err == nil {
		return tel
	}
	log.Warn("telemetry disabled", "error", err)
	tel, err = telemetry.Init(ctx, telemetry.Config{TraceExporter: "none", MetricExporter: "none"})
	if err != nil {
		return nil
	}
	return tel
}

func render(w io.Writer, rep report.Report, asJSON bool) error {
	if asJSON {
		return rep.WriteJSON(w)
	}
	rep.WriteText(w)
	return nil
}

// progressObserver prints a line as each stage starts.
type progressObserver struct {
	printer *ux.Printer
}

func (o *progressObserver) StageStarted(name string) {
	o.printer.Muted(string(ux.IconArrow) + " " + name)
}

func (o *progressObserver) StageFinished(pipeline.StageResult) {}
