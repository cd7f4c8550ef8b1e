// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/runtime"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

type ProvisionerConfig struct {
	// Meta tracks the file format
	Meta MetaConfig `yaml:"meta"`

	// StateDir holds checkpoints, the process lock and run artifacts
	StateDir string `yaml:"state_dir"`

	// Manifest overrides the embedded dependency manifest (.yaml or .hcl)
	Manifest string `yaml:"manifest,omitempty"`

	Log       LogConfig       `yaml:"log"`
	Tools     ToolsConfig     `yaml:"tools"`
	App       AppConfig       `yaml:"app"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"` // JSON on stderr too
}

// ToolsConfig says where download and source strategies install tools.
type ToolsConfig struct {
	Dir       string `yaml:"dir"`
	BinDir    string `yaml:"bin_dir"`
	MinFreeMB int64  `yaml:"min_free_mb"`
	Jobs      int    `yaml:"jobs,omitempty"` // 0 = NumCPU
}

// AppConfig describes the application checkout and its build.
type AppConfig struct {
	Repository    string   `yaml:"repository"`
	Ref           string   `yaml:"ref"`
	InstallDir    string   `yaml:"install_dir"`
	CompileArgv   []string `yaml:"compile_argv"`
	Artifact      string   `yaml:"artifact"` // relative to install_dir
	ConfigFile    string   `yaml:"config_file"`
	ConfigExample string   `yaml:"config_example"`
	Dirs          []string `yaml:"dirs"`
	SelfTestArgs  []string `yaml:"self_test_args"`
}

type RuntimeConfig struct {
	BaseURL    string `yaml:"base_url"`
	Binary     string `yaml:"binary"`
	Dependency string `yaml:"dependency"` // manifest entry that installs Binary
	LogDir     string `yaml:"log_dir"`

	DefaultAsset     string   `yaml:"default_asset"`
	AdditionalAssets []string `yaml:"additional_assets"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
	TraceFile      string `yaml:"trace_file"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
	MetricExporter string `yaml:"metric_exporter"` // prometheus, stdout, none
	MetricsFile    string `yaml:"metrics_file"`
}

func DefaultConfig() ProvisionerConfig {
	return ProvisionerConfig{
		Meta:     MetaConfig{Version: CurrentConfigVersion},
		StateDir: "~/.provisioner",
		Log: LogConfig{
			Level: "info",
			Dir:   "~/.provisioner/logs",
		},
		Tools: ToolsConfig{
			Dir:       "~/.provisioner/tools",
			BinDir:    "~/.local/bin",
			MinFreeMB: 2048,
		},
		App: AppConfig{
			Ref:           "main",
			InstallDir:    "~/trading_bot",
			CompileArgv:   []string{"cargo", "build", "--release"},
			Artifact:      "target/release/trading_bot",
			ConfigFile:    "config.env",
			ConfigExample: "config.env.example",
			Dirs:          []string{"logs", "ollama_logs", "trading_portfolio", "live_data", "sandbox_data"},
			SelfTestArgs:  []string{"--help"},
		},
		Runtime: RuntimeConfig{
			BaseURL:      runtime.DefaultBaseURL,
			Binary:       "ollama",
			Dependency:   "ollama",
			LogDir:       "~/trading_bot/ollama_logs",
			DefaultAsset: "tinyllama",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			TraceFile:      "~/.provisioner/trace.json",
			MetricExporter: "prometheus",
			MetricsFile:    "~/.provisioner/metrics.prom",
		},
	}
}

// Validate checks fields every mode relies on. NeedsApp adds the checks for
// modes that build the application.
func (c ProvisionerConfig) Validate(needsApp bool) error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if c.Tools.MinFreeMB < 0 {
		errs = append(errs, fmt.Errorf("tools.min_free_mb must not be negative, got %d", c.Tools.MinFreeMB))
	}
	if c.Tools.Jobs < 0 {
		errs = append(errs, fmt.Errorf("tools.jobs must not be negative, got %d", c.Tools.Jobs))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "trace", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.App.InstallDir == "" {
		errs = append(errs, errors.New("app.install_dir is required"))
	}
	if needsApp {
		if c.App.Repository == "" {
			errs = append(errs, errors.New("app.repository is required to build the application"))
		}
		if len(c.App.CompileArgv) == 0 {
			errs = append(errs, errors.New("app.compile_argv must not be empty"))
		}
	}
	return errors.Join(errs...)
}
