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
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
)

// stepTimeout bounds each install or build step.
const stepTimeout = time.Hour

// Layout says where acquired tools live.
type Layout struct {
	// ToolsDir holds one directory per tool: <ToolsDir>/<name>.
	ToolsDir string

	// BinDir receives symlinks to declared binaries and is added to the
	// search path.
	BinDir string

	// MinFreeMB is required free space on the scratch filesystem before a
	// download or build. Zero disables the check.
	MinFreeMB int64

	// Jobs is the build parallelism exposed as {{.Jobs}}. Default: NumCPU
	Jobs int
}

func (l Layout) jobs() int {
	if l.Jobs > 0 {
		return l.Jobs
	}
	return runtime.NumCPU()
}

// Prefix returns the install root for a dependency.
func (l Layout) Prefix(name string) string {
	return filepath.Join(l.ToolsDir, name)
}

// DownloadAcquirer installs prebuilt archives or binaries.
type DownloadAcquirer struct {
	fetcher *Fetcher
	pm      process.ProcessManager
	layout  Layout
	logger  *slog.Logger
}

// NewDownloadAcquirer creates a DownloadAcquirer.
func NewDownloadAcquirer(fetcher *Fetcher, pm process.ProcessManager, layout Layout, logger *slog.Logger) *DownloadAcquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadAcquirer{fetcher: fetcher, pm: pm, layout: layout, logger: logger}
}

// Acquire implements Acquirer.
//
// # Description
//
// Resolves the URL template, downloads into scratch, checks the content type
// and checksum, extracts, replaces <tools_dir>/<name> with the extracted
// tree, runs install steps inside it, and links the declared binaries.
//
// A previous install is moved aside first and put back if anything after
// the swap fails.
func (a *DownloadAcquirer) Acquire(ctx context.Context, host Host, at Attempt) (err error) {
	if err := CheckFreeSpace(at.Scratch, a.layout.MinFreeMB); err != nil {
		return err
	}

	s := at.Strategy
	prefix := a.layout.Prefix(at.Dependency.Name)
	data := newTemplateData(s, host.Platform(), prefix, a.layout.jobs())

	archive, rawURL, err := fetchVerified(ctx, a.fetcher, s, data, at.Scratch, a.logger)
	if err != nil {
		return err
	}

	extracted := filepath.Join(at.Scratch, "extract")
	if err := Extract(archive, extracted, s.Archive, urlBase(rawURL)); err != nil {
		return fmt.Errorf("extract %s: %w", s.Archive, err)
	}

	swap, err := setAside(prefix)
	if err != nil {
		return err
	}
	defer func() { err = swap.finish(err, a.logger) }()

	if err := fsutil.Move(extracted, prefix); err != nil {
		return fmt.Errorf("install into %s: %w", prefix, err)
	}

	if err := runSteps(ctx, a.pm, s.Steps, data, prefix); err != nil {
		return err
	}
	return linkBinaries(host, a.layout, prefix, s.Binaries)
}

// SourceAcquirer builds tools from source archives.
type SourceAcquirer struct {
	fetcher *Fetcher
	pm      process.ProcessManager
	layout  Layout
	logger  *slog.Logger
}

// NewSourceAcquirer creates a SourceAcquirer.
func NewSourceAcquirer(fetcher *Fetcher, pm process.ProcessManager, layout Layout, logger *slog.Logger) *SourceAcquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceAcquirer{fetcher: fetcher, pm: pm, layout: layout, logger: logger}
}

// Acquire implements Acquirer.
//
// The source tree lives in scratch and is discarded with it; build steps
// install into <tools_dir>/<name> through {{.Prefix}}. Binaries bake that
// path in, so the build cannot target scratch; a previous install is moved
// aside instead and restored on failure.
func (a *SourceAcquirer) Acquire(ctx context.Context, host Host, at Attempt) (err error) {
	if err := CheckFreeSpace(at.Scratch, a.layout.MinFreeMB); err != nil {
		return err
	}

	s := at.Strategy
	prefix := a.layout.Prefix(at.Dependency.Name)
	data := newTemplateData(s, host.Platform(), prefix, a.layout.jobs())

	archive, _, err := fetchVerified(ctx, a.fetcher, s, data, at.Scratch, a.logger)
	if err != nil {
		return err
	}

	srcDir := filepath.Join(at.Scratch, "src")
	if err := Extract(archive, srcDir, s.Archive, ""); err != nil {
		return fmt.Errorf("extract source: %w", err)
	}
	root, err := SourceRoot(srcDir)
	if err != nil {
		return err
	}

	swap, err := setAside(prefix)
	if err != nil {
		return err
	}
	defer func() { err = swap.finish(err, a.logger) }()

	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return fmt.Errorf("create prefix: %w", err)
	}

	a.logger.Info("building from source", "dependency", at.Dependency.Name, "prefix", prefix, "jobs", data.Jobs)
	if err := runSteps(ctx, a.pm, s.Steps, data, root); err != nil {
		return err
	}
	return linkBinaries(host, a.layout, prefix, s.Binaries)
}

// asideSwap holds a previous install moved out of the way of a new one.
type asideSwap struct {
	prefix string
	backup string
	had    bool
}

// setAside renames prefix to a hidden sibling so the new install starts from
// an empty directory. The sibling stays on the same filesystem, so the
// rename is atomic.
func setAside(prefix string) (*asideSwap, error) {
	s := &asideSwap{
		prefix: prefix,
		backup: filepath.Join(filepath.Dir(prefix), "."+filepath.Base(prefix)+".previous"),
	}
	if err := os.RemoveAll(s.backup); err != nil {
		return nil, fmt.Errorf("clear stale backup %s: %w", s.backup, err)
	}
	if _, err := os.Lstat(prefix); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("stat previous install: %w", err)
	}
	if err := os.Rename(prefix, s.backup); err != nil {
		return nil, fmt.Errorf("move previous install aside: %w", err)
	}
	s.had = true
	return s, nil
}

// finish drops the backup when err is nil. Otherwise it removes whatever the
// attempt left in prefix and restores the previous install.
func (s *asideSwap) finish(err error, logger *slog.Logger) error {
	if err == nil {
		if s.had {
			if rmErr := os.RemoveAll(s.backup); rmErr != nil {
				logger.Warn("could not remove previous install", "path", s.backup, "error", rmErr)
			}
		}
		return nil
	}
	if rmErr := os.RemoveAll(s.prefix); rmErr != nil {
		return errors.Join(err, fmt.Errorf("remove partial install %s: %w", s.prefix, rmErr))
	}
	if !s.had {
		return err
	}
	if mvErr := os.Rename(s.backup, s.prefix); mvErr != nil {
		return errors.Join(err, fmt.Errorf("restore previous install: %w", mvErr))
	}
	logger.Info("restored previous install", "path", s.prefix)
	return err
}

// fetchVerified downloads the strategy URL into scratch and enforces the
// content type and checksum policy.
func fetchVerified(ctx context.Context, fetcher *Fetcher, s deps.Strategy, data TemplateData, scratch string, logger *slog.Logger) (string, string, error) {
	rawURL, err := Render(s.URL, data)
	if err != nil {
		return "", "", err
	}

	dest := filepath.Join(scratch, "download")
	logger.Info("downloading", "url", rawURL)
	sum, err := fetcher.Fetch(ctx, rawURL, dest)
	if err != nil {
		return "", "", err
	}
	if err := CheckType(dest, s.Archive); err != nil {
		return "", "", err
	}

	if want, ok := s.PinnedChecksum(); ok {
		if err := VerifyChecksum(rawURL, sum, want); err != nil {
			return "", "", err
		}
	} else if s.Checksum == deps.ChecksumRemote {
		want, err := fetcher.RemoteChecksum(ctx, rawURL)
		if err != nil {
			return "", "", err
		}
		if err := VerifyChecksum(rawURL, sum, want); err != nil {
			return "", "", err
		}
	} else {
		logger.Debug("checksum verification skipped", "url", rawURL)
	}
	return dest, rawURL, nil
}

func runSteps(ctx context.Context, pm process.ProcessManager, steps [][]string, data TemplateData, dir string) error {
	for i, step := range steps {
		argv, err := RenderArgv(step, data)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		cmd := process.Command{
			Name:    argv[0],
			Args:    argv[1:],
			Dir:     dir,
			Env:     []string{"PREFIX=" + data.Prefix},
			Timeout: stepTimeout,
		}
		if _, err := pm.Run(ctx, cmd); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, cmd.String(), err)
		}
	}
	return nil
}

func linkBinaries(host Host, layout Layout, prefix string, binaries []string) error {
	if len(binaries) == 0 {
		return nil
	}
	if err := os.MkdirAll(layout.BinDir, 0o755); err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}
	for _, bin := range binaries {
		src, err := safeTarget(prefix, bin)
		if err != nil {
			return err
		}
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("declared binary %s missing after install: %w", bin, err)
		}
		link := filepath.Join(layout.BinDir, filepath.Base(bin))
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("replace %s: %w", link, err)
		}
		if err := os.Symlink(src, link); err != nil {
			return fmt.Errorf("link %s: %w", link, err)
		}
	}
	host.SearchPath().Prepend(layout.BinDir)
	return nil
}

func urlBase(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return path.Base(raw)
	}
	return path.Base(u.Path)
}
