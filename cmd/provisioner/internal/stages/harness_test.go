// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/checkpoint"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/installer"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/report"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/runtime"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pkg is what installing a package puts on the fake host.
type pkg struct {
	command string
	output  string
}

// fakeHost simulates the tools on a machine and an apt-get that installs
// them.
type fakeHost struct {
	mu        sync.Mutex
	tools     map[string]string
	available map[string]pkg
	broken    map[string]string
	installs  []string
	refreshes int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		tools: map[string]string{},
		available: map[string]pkg{
			"gcc":    {"cc", "cc (Debian 12.2.0-14) 12.2.0"},
			"git":    {"git", "git version 2.39.2"},
			"ollama": {"ollama", "ollama version is 0.3.12"},
		},
		broken: map[string]string{},
	}
}

func (h *fakeHost) install(name, output string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[name] = output
}

func (h *fakeHost) has(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tools[name]
	return ok
}

func (h *fakeHost) pm() *process.MockProcessManager {
	return &process.MockProcessManager{RunFunc: h.run}
}

func (h *fakeHost) run(ctx context.Context, cmd process.Command) (process.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if filepath.IsAbs(cmd.Name) {
		if fsutil.IsExecutable(cmd.Name) {
			return process.Result{Stdout: []byte("Usage: trading_bot [OPTIONS]")}, nil
		}
		return process.Result{ExitCode: -1}, &exec.Error{Name: cmd.Name, Err: exec.ErrNotFound}
	}

	if cmd.Name == "apt-get" {
		if len(cmd.Args) > 0 && cmd.Args[0] == "update" {
			h.refreshes++
			return process.Result{}, nil
		}
		name := cmd.Args[len(cmd.Args)-1]
		h.installs = append(h.installs, name)
		if msg, ok := h.broken[name]; ok {
			return process.Result{ExitCode: 100, Stderr: []byte(msg)},
				process.NewCommandError(cmd.String(), 100, msg, errors.New("exit status 100"))
		}
		p, ok := h.available[name]
		if !ok {
			msg := "E: Unable to locate package " + name
			return process.Result{ExitCode: 100, Stderr: []byte(msg)},
				process.NewCommandError(cmd.String(), 100, msg, errors.New("exit status 100"))
		}
		h.tools[p.command] = p.output
		return process.Result{}, nil
	}

	if out, ok := h.tools[cmd.Name]; ok {
		return process.Result{Stdout: []byte(out)}, nil
	}
	return process.Result{ExitCode: -1}, &exec.Error{Name: cmd.Name, Err: exec.ErrNotFound}
}

type fakeDetector struct {
	info platform.Info
}

func (d fakeDetector) Detect() platform.Info { return d.info }

func debianRoot() platform.Info {
	return platform.Info{
		Family:                platform.FamilyDebian,
		PackageManager:        platform.PackageManagers(platform.FamilyDebian)[0],
		PackageManagerPresent: true,
		OS:                    "linux",
		Arch:                  "amd64",
		DistroID:              "debian",
		Root:                  true,
	}
}

// fakeCollab checks out "revisions" by writing a marker file and compiles by
// writing the artifact.
type fakeCollab struct {
	latest     string
	latestErr  error
	compileErr error
	fetches    int
}

func (c *fakeCollab) Revision(ctx context.Context, dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ".rev"))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return strings.TrimSpace(string(data)), err
}

func (c *fakeCollab) Latest(ctx context.Context) (string, error) {
	return c.latest, c.latestErr
}

func (c *fakeCollab) Fetch(ctx context.Context, revision, dir string) error {
	c.fetches++
	if revision == "" {
		revision = c.latest
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		return err
	}
	files := map[string]string{
		".rev":               revision + "\n",
		"src/main.rs":        "fn main() {} // " + revision,
		"config.env.example": "ALPACA_API_KEY=\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeCollab) Compile(ctx context.Context, dir string) (string, error) {
	out := filepath.Join(dir, "target", "release")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", err
	}
	if c.compileErr != nil {
		if err := os.WriteFile(filepath.Join(out, "partial.rlib"), []byte("half"), 0o644); err != nil {
			return "", err
		}
		return "", c.compileErr
	}
	artifact := c.Artifact(dir)
	return artifact, os.WriteFile(artifact, []byte("#!/bin/sh\necho usage\n"), 0o755)
}

func (c *fakeCollab) Artifact(dir string) string {
	return filepath.Join(dir, "target", "release", "trading_bot")
}

// fakeRuntime is both the runtime service and its asset store.
type fakeRuntime struct {
	mu       sync.Mutex
	running  bool
	startErr error
	models   map[string]bool
	pullErrs map[string]error
	pulls    []string
	starts   int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{models: map[string]bool{}, pullErrs: map[string]error{}}
}

func (r *fakeRuntime) Ready(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRuntime) EnsureRunning(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false, nil
	}
	if r.startErr != nil {
		return false, r.startErr
	}
	r.running = true
	r.starts++
	return true, nil
}

func (r *fakeRuntime) HasModel(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false, &runtime.ModelError{Type: runtime.ErrorConnection, Model: name, Message: "Cannot connect"}
	}
	return r.models[name], nil
}

func (r *fakeRuntime) Pull(ctx context.Context, name string, progress runtime.PullProgressCallback) error {
	r.mu.Lock()
	r.pulls = append(r.pulls, name)
	err := r.pullErrs[name]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	progress("pulling manifest", 0, 0)
	progress("downloading", 50, 100)
	progress("success", 100, 100)
	r.mu.Lock()
	r.models[name] = true
	r.mu.Unlock()
	return nil
}

type answer bool

func (a answer) Confirm(ctx context.Context, prompt string) (bool, error) {
	return bool(a), nil
}

func testManifest() *deps.Manifest {
	return &deps.Manifest{Source: "test", Dependencies: []deps.Dependency{
		{
			Name:       "cc",
			Group:      deps.GroupSystem,
			Check:      []string{"cc", "--version"},
			MinVersion: "1.0",
			Strategies: []deps.Strategy{{Kind: deps.KindPackage, Packages: map[string]string{"debian": "gcc"}}},
		},
		{
			Name:       "git",
			Group:      deps.GroupSystem,
			Check:      []string{"git", "--version"},
			Strategies: []deps.Strategy{{Kind: deps.KindPackage, Packages: map[string]string{"debian": "git"}}},
		},
		{
			Name:       "ollama",
			Group:      deps.GroupRuntime,
			Check:      []string{"ollama", "--version"},
			Strategies: []deps.Strategy{{Kind: deps.KindPackage, Packages: map[string]string{"debian": "ollama"}}},
		},
	}}
}

// harness wires real stages, chain, verifier and checkpoint manager to the
// fakes above.
type harness struct {
	t          *testing.T
	host       *fakeHost
	collab     *fakeCollab
	rt         *fakeRuntime
	manifest   *deps.Manifest
	platform   platform.Info
	installDir string
	stateDir   string
	additional []string
	prompter   pipeline.Prompter
	freeBytes  func(string) (uint64, error)
}

func newHarness(t *testing.T) *harness {
	root := t.TempDir()
	return &harness{
		t:          t,
		host:       newFakeHost(),
		collab:     &fakeCollab{latest: "rev1"},
		rt:         newFakeRuntime(),
		manifest:   testManifest(),
		platform:   debianRoot(),
		installDir: filepath.Join(root, "app"),
		stateDir:   filepath.Join(root, "state"),
	}
}

func (h *harness) set() Set {
	logger := quietLogger()
	pm := h.host.pm()
	verifier := deps.NewVerifier(pm, 0, logger)
	chain := installer.NewChain(verifier, map[deps.StrategyKind]installer.Acquirer{
		deps.KindPackage: installer.NewPackageAcquirer(pm, logger),
	}, installer.ChainConfig{ScratchRoot: filepath.Join(h.stateDir, "scratch"), Logger: logger})

	return Set{
		Manifest: h.manifest,
		Detector: fakeDetector{info: h.platform},
		Verifier: verifier,
		Repairer: chain,
		Build: BuildOptions{
			Collaborator:  h.collab,
			Checkpoints:   checkpoint.NewManager(checkpoint.Config{StateDir: h.stateDir, FreeBytes: h.freeBytes, Logger: logger}),
			InstallDir:    h.installDir,
			ConfigFile:    "config.env",
			ConfigExample: "config.env.example",
		},
		Runtime: RuntimeOptions{Service: h.rt, Dependency: "ollama"},
		Assets:  AssetOptions{Store: h.rt, Default: "tinyllama", Additional: h.additional},
		Health:  HealthOptions{PM: pm},
		Logger:  logger,
	}
}

func (h *harness) run(mode pipeline.Mode) (*pipeline.Run, report.Report, report.ExitCode) {
	h.t.Helper()
	stages, err := Plan(mode, h.set())
	require.NoError(h.t, err)

	pc := pipeline.NewContext(pipeline.ContextConfig{
		Mode:       mode,
		SearchPath: process.NewSearchPathFrom(""),
		Prompter:   h.prompter,
		Logger:     quietLogger(),
	})
	run := pipeline.NewOrchestrator(stages, pipeline.Config{Logger: quietLogger()}).Execute(context.Background(), pc)
	rep, code := report.Build(run)
	return run, rep, code
}

func stage(run *pipeline.Run, name string) *pipeline.StageResult {
	for i := range run.Stages {
		if run.Stages[i].Name == name {
			return &run.Stages[i]
		}
	}
	return nil
}

func names(run *pipeline.Run) []string {
	out := make([]string, len(run.Stages))
	for i, s := range run.Stages {
		out[i] = s.Name
	}
	return out
}

// snapshot captures every entry under root as mode plus content.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			out[rel] = info.Mode().String()
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = info.Mode().String() + ":" + string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}
