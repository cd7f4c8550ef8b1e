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
Package checkpoint backs up mutable host state around destructive stages.

A checkpoint is a byte-for-byte copy of a file, directory tree, or symlink
taken before a stage replaces it. If the stage fails, the original content is
put back; if it succeeds, the copy is discarded.

	mgr := checkpoint.NewManager(checkpoint.Config{StateDir: stateDir, RunID: runID})
	err := mgr.WithCheckpoint(ctx, []checkpoint.Resource{
	    {ID: "install-dir", Path: installDir},
	    {ID: "config", Path: configFile},
	}, func(ctx context.Context) error {
	    return rebuild(ctx)
	})

Backups live under <state_dir>/checkpoints/<run-id>/ for the lifetime of the
stage only.

# Limitations

  - A process killed mid-stage leaves the backups on disk without restoring
  - Extended attributes and ownership are not preserved
*/
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
)

// ErrInsufficientSpace is returned when the backup directory's filesystem
// cannot hold a copy of the resources.
var ErrInsufficientSpace = errors.New("insufficient disk space for checkpoint")

// Resource names a path whose content a stage may destroy.
type Resource struct {
	// ID is a short stable label used in logs and backup names.
	ID string

	// Path is the file, directory or symlink to protect.
	Path string
}

// Checkpoint records the state of one resource before a destructive stage.
type Checkpoint struct {
	ResourceID string `json:"resource_id"`

	// Path is the protected location.
	Path string `json:"path"`

	// BackupLocation holds the copy; empty when the resource did not exist.
	BackupLocation string `json:"backup_location,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Existed is false when the resource was absent at checkpoint time, in
	// which case restoring it means removing whatever the stage created.
	Existed bool `json:"existed"`
}

// Config configures a Manager.
type Config struct {
	// StateDir is the provisioner state directory. Backups go under
	// <StateDir>/checkpoints/<RunID>.
	StateDir string

	// RunID scopes backups to one provisioning run. Default: a random UUID
	RunID string

	// FreeBytes reports free space for the backup directory.
	// Default: fsutil.FreeBytes
	FreeBytes func(path string) (uint64, error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager creates, restores and releases checkpoints.
//
// # Thread Safety
//
// A Manager may be shared, but a given []Checkpoint must only be restored or
// released by the stage that created it.
type Manager struct {
	dir       string
	freeBytes func(string) (uint64, error)
	logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(config Config) *Manager {
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}
	if config.FreeBytes == nil {
		config.FreeBytes = fsutil.FreeBytes
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		dir:       filepath.Join(config.StateDir, "checkpoints", config.RunID),
		freeBytes: config.FreeBytes,
		logger:    config.Logger,
	}
}

// Dir returns the directory holding this run's backups.
func (m *Manager) Dir() string {
	return m.dir
}

// Checkpoint copies every resource into the run's backup directory.
//
// # Description
//
// Resources that do not exist are recorded with Existed=false and no copy.
// The combined size of the resources is checked against free space in the
// backup directory first, so a full disk fails before anything is copied.
// If any copy fails, backups already taken in this call are removed and the
// error is returned; the host is not modified.
//
// # Inputs
//
//   - resources: Paths to protect. IDs must be unique.
//
// # Outputs
//
//   - []Checkpoint: One entry per resource, in input order
//   - error: ErrInsufficientSpace (wrapped), or non-nil if a backup could
//     not be taken
func (m *Manager) Checkpoint(resources []Resource) ([]Checkpoint, error) {
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		if r.ID == "" || r.Path == "" {
			return nil, fmt.Errorf("checkpoint resource needs an ID and a path: %+v", r)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate checkpoint resource %q", r.ID)
		}
		seen[r.ID] = true
	}
	if err := m.preflight(resources); err != nil {
		return nil, err
	}

	cps := make([]Checkpoint, 0, len(resources))
	for i, r := range resources {
		cp, err := m.take(i, r)
		if err != nil {
			if relErr := m.Release(cps); relErr != nil {
				m.logger.Warn("failed to discard partial checkpoint", "error", relErr)
			}
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

func (m *Manager) take(i int, r Resource) (Checkpoint, error) {
	path := filepath.Clean(r.Path)
	cp := Checkpoint{ResourceID: r.ID, Path: path, CreatedAt: time.Now().UTC()}

	exists, err := fsutil.Exists(path)
	if err != nil {
		return cp, fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		m.logger.Debug("checkpoint of absent resource", "resource", r.ID, "path", path)
		return cp, nil
	}

	backup := filepath.Join(m.dir, fmt.Sprintf("%02d-%s", i, backupName(r.ID)))
	if err := os.RemoveAll(backup); err != nil {
		return cp, fmt.Errorf("clear stale backup %s: %w", backup, err)
	}
	if err := fsutil.Copy(path, backup); err != nil {
		os.RemoveAll(backup)
		return cp, fmt.Errorf("back up %s: %w", path, err)
	}

	cp.Existed = true
	cp.BackupLocation = backup
	m.logger.Debug("checkpoint taken", "resource", r.ID, "path", path, "backup", backup)
	return cp, nil
}

func (m *Manager) preflight(resources []Resource) error {
	var need uint64
	for _, r := range resources {
		n, err := fsutil.Size(filepath.Clean(r.Path))
		if err != nil {
			return fmt.Errorf("measure %s: %w", r.Path, err)
		}
		need += n
	}
	if need == 0 {
		return nil
	}

	free, err := m.freeBytes(m.dir)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check free space for %s: %w", m.dir, err)
	}
	if free < need {
		return fmt.Errorf("%w: backups in %s need %d MB, %d MB free", ErrInsufficientSpace, m.dir, toMB(need), free/(1<<20))
	}
	m.logger.Debug("checkpoint preflight passed", "need_bytes", need, "free_bytes", free)
	return nil
}

func toMB(n uint64) uint64 {
	return (n + 1<<20 - 1) / (1 << 20)
}

// Restore puts every resource back to its checkpointed content.
//
// Resources are restored in reverse order. A resource that did not exist is
// removed. Restore keeps going after a failure so as much state as possible
// is recovered; backups are left in place for Release or manual recovery.
func (m *Manager) Restore(cps []Checkpoint) error {
	var errs []error
	for i := len(cps) - 1; i >= 0; i-- {
		cp := cps[i]
		if err := os.RemoveAll(cp.Path); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: remove current: %w", cp.ResourceID, err))
			continue
		}
		if !cp.Existed {
			m.logger.Info("removed resource created by failed stage", "resource", cp.ResourceID, "path", cp.Path)
			continue
		}
		if err := fsutil.Copy(cp.BackupLocation, cp.Path); err != nil {
			errs = append(errs, fmt.Errorf("restore %s from %s: %w", cp.ResourceID, cp.BackupLocation, err))
			continue
		}
		m.logger.Info("restored resource", "resource", cp.ResourceID, "path", cp.Path)
	}
	return errors.Join(errs...)
}

// Release deletes the backups. The checkpoints must not be restored after.
func (m *Manager) Release(cps []Checkpoint) error {
	var errs []error
	for _, cp := range cps {
		if cp.BackupLocation == "" {
			continue
		}
		if err := os.RemoveAll(cp.BackupLocation); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", cp.ResourceID, err))
		}
	}
	// Only succeeds once the run directory is empty.
	os.Remove(m.dir)
	return errors.Join(errs...)
}

// RestoreError reports a stage failure whose rollback also failed. The
// backups named in Checkpoints are kept for manual recovery.
type RestoreError struct {
	Checkpoints []Checkpoint
	Err         error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore from checkpoint failed: %v", e.Err)
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

// Remediation lists where the surviving backups are.
func (e *RestoreError) Remediation() string {
	var b strings.Builder
	b.WriteString("Copy the backups back manually:")
	for _, cp := range e.Checkpoints {
		if cp.Existed {
			fmt.Fprintf(&b, "\n  %s -> %s", cp.BackupLocation, cp.Path)
		}
	}
	return b.String()
}

// WithCheckpoint runs fn between a checkpoint and its restore or release.
//
// # Description
//
// Takes checkpoints of resources, then calls fn. If fn returns an error or
// panics, every resource is restored before the error is returned or the
// panic resumes. If fn succeeds, the backups are released.
//
// # Inputs
//
//   - ctx: Passed to fn. Restore runs even if ctx is already done.
//   - resources: Paths fn may destroy
//   - fn: The destructive work
//
// # Outputs
//
//   - error: fn's error, joined with a *RestoreError if rollback failed
//
// # Examples
//
//	err := mgr.WithCheckpoint(ctx, resources, func(ctx context.Context) error {
//	    return collaborator.Compile(ctx, dir)
//	})
func (m *Manager) WithCheckpoint(ctx context.Context, resources []Resource, fn func(context.Context) error) (err error) {
	cps, err := m.Checkpoint(resources)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	defer func() {
		r := recover()
		if r == nil && err == nil {
			if relErr := m.Release(cps); relErr != nil {
				m.logger.Warn("failed to release checkpoint", "error", relErr)
			}
			return
		}

		if restoreErr := m.Restore(cps); restoreErr != nil {
			m.logger.Error("checkpoint restore failed", "error", restoreErr, "backups", m.dir)
			if r != nil {
				panic(r)
			}
			err = errors.Join(err, &RestoreError{Checkpoints: cps, Err: restoreErr})
			return
		}
		if relErr := m.Release(cps); relErr != nil {
			m.logger.Warn("failed to release checkpoint", "error", relErr)
		}
		if r != nil {
			panic(r)
		}
	}()

	return fn(ctx)
}

func backupName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
