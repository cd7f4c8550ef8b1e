// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package installer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
)

// packageTimeout bounds a single install or index refresh.
const packageTimeout = 10 * time.Minute

// PackageAcquirer installs through the host's native package manager.
type PackageAcquirer struct {
	pm     process.ProcessManager
	logger *slog.Logger
}

// NewPackageAcquirer creates a PackageAcquirer.
func NewPackageAcquirer(pm process.ProcessManager, logger *slog.Logger) *PackageAcquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageAcquirer{pm: pm, logger: logger}
}

// Acquire implements Acquirer.
//
// Runs non-interactively, prefixed with "sudo -n" when not root so a
// password prompt fails instead of hanging. The package index is refreshed
// at most once per run.
func (a *PackageAcquirer) Acquire(ctx context.Context, host Host, at Attempt) error {
	info := host.Platform()
	if !info.PackageManagerPresent {
		return ErrNoPackageManager
	}
	pkg, ok := at.Strategy.PackageFor(info.Family.String())
	if !ok {
		return fmt.Errorf("no package declared for platform family %s", info.Family)
	}
	mgr := info.PackageManager

	if len(mgr.Refresh) > 0 && host.ClaimIndexRefresh() {
		a.logger.Info("refreshing package index", "manager", mgr.Name)
		if _, err := a.pm.Run(ctx, a.command(mgr.Refresh, mgr.Env, info.Root)); err != nil {
			// An install from a stale index may still succeed.
			a.logger.Warn("package index refresh failed", "manager", mgr.Name, "reason", classifyPackageFailure(err), "error", err)
		}
	}

	a.logger.Info("installing package", "manager", mgr.Name, "package", pkg)
	if _, err := a.pm.Run(ctx, a.command(mgr.InstallArgv(pkg), mgr.Env, info.Root)); err != nil {
		return fmt.Errorf("%s install %s: %s: %w", mgr.Name, pkg, classifyPackageFailure(err), err)
	}
	return nil
}

func (a *PackageAcquirer) command(argv, env []string, root bool) process.Command {
	cmd := process.Command{Name: argv[0], Args: argv[1:], Timeout: packageTimeout}
	if root {
		cmd.Env = env
		return cmd
	}
	// sudo scrubs the environment, so the variables go through env(1).
	args := []string{"-n"}
	if len(env) > 0 {
		args = append(args, "env")
		args = append(args, env...)
	}
	cmd.Name = "sudo"
	cmd.Args = append(args, argv...)
	return cmd
}

// classifyPackageFailure names the likely cause of a package manager error
// for logs and reports. Every cause is treated the same way by the chain.
func classifyPackageFailure(err error) string {
	if process.IsNotFound(err) {
		return "command not executable"
	}
	text := strings.ToLower(process.ExtractStderr(err) + " " + err.Error())
	switch {
	case containsAny(text, "unable to locate package", "no match for argument", "no package", "not found", "nothing provides"):
		return "package not found"
	case containsAny(text, "could not resolve", "temporary failure", "network is unreachable", "connection timed out",
		"failed to fetch", "cannot download", "curl error", "fetch failed"):
		return "network unreachable"
	case containsAny(text, "a password is required", "a terminal is required", "permission denied", "are you root"):
		return "insufficient privileges"
	case containsAny(text, "could not get lock", "unable to lock", "database is locked"):
		return "package database locked"
	default:
		return "package manager failed"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
