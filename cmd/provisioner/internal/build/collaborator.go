// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package build fetches and compiles the application artifact.
//
// The default collaborator drives git and cargo through the process manager,
// so every command resolves through the provisioning search path and can be
// replaced with a mock in tests.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
)

// ErrNotCheckout means the install directory exists but is not a git
// working tree, so it cannot be updated in place.
var ErrNotCheckout = errors.New("install directory is not a git checkout")

// Collaborator fetches source revisions and compiles them.
type Collaborator interface {
	// Revision returns the revision checked out in dir, or "" if dir holds
	// no checkout yet.
	Revision(ctx context.Context, dir string) (string, error)

	// Latest resolves the configured ref to the revision that should be
	// installed.
	Latest(ctx context.Context) (string, error)

	// Fetch makes dir a checkout of revision, cloning if necessary.
	Fetch(ctx context.Context, revision, dir string) error

	// Compile builds dir and returns the artifact path.
	Compile(ctx context.Context, dir string) (string, error)

	// Artifact returns where Compile leaves the artifact for dir.
	Artifact(dir string) string
}

// Config configures the git and cargo collaborator.
type Config struct {
	// Repository is the clone URL.
	Repository string

	// Ref is the branch or tag to track. Default: "main"
	Ref string

	// Git is the git executable. Default: "git"
	Git string

	// CompileArgv builds the project. Default: cargo build --release
	CompileArgv []string

	// Artifact is relative to the checkout. Default: target/release/trading_bot
	Artifact string

	// GitTimeout bounds each git command. Default: 10m
	GitTimeout time.Duration

	// CompileTimeout bounds the build. Default: 1h
	CompileTimeout time.Duration

	Logger *slog.Logger
}

// GitCargo implements Collaborator with git and cargo.
type GitCargo struct {
	pm     process.ProcessManager
	config Config
	logger *slog.Logger
}

// NewGitCargo creates a GitCargo collaborator.
func NewGitCargo(pm process.ProcessManager, config Config) *GitCargo {
	if config.Ref == "" {
		config.Ref = "main"
	}
	if config.Git == "" {
		config.Git = "git"
	}
	if len(config.CompileArgv) == 0 {
		config.CompileArgv = []string{"cargo", "build", "--release"}
	}
	if config.Artifact == "" {
		config.Artifact = filepath.Join("target", "release", "trading_bot")
	}
	if config.GitTimeout <= 0 {
		config.GitTimeout = 10 * time.Minute
	}
	if config.CompileTimeout <= 0 {
		config.CompileTimeout = time.Hour
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &GitCargo{pm: pm, config: config, logger: config.Logger}
}

// git runs a git command and returns trimmed stdout.
func (g *GitCargo) git(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := g.pm.Run(ctx, process.Command{
		Name:    g.config.Git,
		Args:    args,
		Dir:     dir,
		Env:     []string{"GIT_TERMINAL_PROMPT=0"},
		Timeout: g.config.GitTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// Revision implements Collaborator.
func (g *GitCargo) Revision(ctx context.Context, dir string) (string, error) {
	ok, err := isCheckout(dir)
	if err != nil || !ok {
		return "", err
	}
	return g.git(ctx, dir, "rev-parse", "HEAD")
}

// Latest implements Collaborator using git ls-remote.
func (g *GitCargo) Latest(ctx context.Context) (string, error) {
	if g.config.Repository == "" {
		return "", errors.New("no repository configured")
	}
	out, err := g.git(ctx, "", "ls-remote", g.config.Repository, g.config.Ref)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("ref %q not found in %s", g.config.Ref, g.config.Repository)
}

// Fetch implements Collaborator.
//
// # Description
//
// A missing or empty dir is cloned. An existing checkout is fetched and
// force-checked-out at revision, discarding local modifications. An empty
// revision means the tip of the configured ref.
func (g *GitCargo) Fetch(ctx context.Context, revision, dir string) error {
	ok, err := isCheckout(dir)
	if err != nil {
		return err
	}
	if !ok {
		empty, err := isEmptyOrMissing(dir)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: %s", ErrNotCheckout, dir)
		}
		g.logger.Info("cloning", "repository", g.config.Repository, "dir", dir)
		if _, err := g.git(ctx, "", "clone", "--branch", g.config.Ref, g.config.Repository, dir); err != nil {
			return err
		}
	} else {
		g.logger.Info("fetching", "repository", g.config.Repository, "dir", dir)
		if _, err := g.git(ctx, dir, "fetch", "origin", g.config.Ref); err != nil {
			return err
		}
	}

	target := revision
	if target == "" {
		target = "FETCH_HEAD"
		if !ok {
			return nil
		}
	}
	_, err = g.git(ctx, dir, "checkout", "--force", "--detach", target)
	return err
}

// Compile implements Collaborator.
func (g *GitCargo) Compile(ctx context.Context, dir string) (string, error) {
	argv := g.config.CompileArgv
	g.logger.Info("compiling", "dir", dir, "command", strings.Join(argv, " "))
	if _, err := g.pm.Run(ctx, process.Command{
		Name:    argv[0],
		Args:    argv[1:],
		Dir:     dir,
		Timeout: g.config.CompileTimeout,
	}); err != nil {
		return "", fmt.Errorf("compile: %w", err)
	}

	artifact := g.Artifact(dir)
	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("compile succeeded but artifact is missing: %w", err)
	}
	if !fsutil.IsExecutable(artifact) {
		return "", fmt.Errorf("artifact %s is not executable", artifact)
	}
	return artifact, nil
}

// Artifact implements Collaborator.
func (g *GitCargo) Artifact(dir string) string {
	return filepath.Join(dir, g.config.Artifact)
}

func isCheckout(dir string) (bool, error) {
	return fsutil.Exists(filepath.Join(dir, ".git"))
}

func isEmptyOrMissing(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
