// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcessLocker prevents concurrent provisioner runs on one state directory.
type ProcessLocker interface {
	// Acquire takes the lock without blocking. Returns *ErrLockHeld if
	// another process holds it.
	Acquire() error

	// Release drops the lock. Safe to call when not held.
	Release() error

	// IsHeld reports whether this instance holds the lock.
	IsHeld() bool

	// HolderPID returns the PID recorded by the current holder, or 0.
	HolderPID() int
}

// ProcessLockConfig configures a ProcessLock.
type ProcessLockConfig struct {
	// LockDir holds the lock and pid files. Default: os.TempDir()
	LockDir string

	// LockName is the file stem. Default: "provisioner"
	LockName string
}

// ProcessLock is a flock(2) based ProcessLocker with a companion pid file.
type ProcessLock struct {
	config   ProcessLockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewProcessLock creates an unacquired lock.
func NewProcessLock(config ProcessLockConfig) *ProcessLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "provisioner"
	}
	return &ProcessLock{
		config:   config,
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire implements ProcessLocker.
func (p *ProcessLock) Acquire() error {
	if p.held {
		return nil
	}
	if err := os.MkdirAll(p.config.LockDir, 0o750); err != nil {
		return fmt.Errorf("create lock dir %s: %w", p.config.LockDir, err)
	}

	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create lock file %s: %w", p.lockPath, err)
	}

	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return &ErrLockHeld{HolderPID: p.readHolderPID(), LockPath: p.lockPath}
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	p.lockFile = f
	p.held = true

	// Informational only; the flock is authoritative.
	_ = os.WriteFile(p.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
	return nil
}

// Release implements ProcessLocker.
func (p *ProcessLock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}

	os.Remove(p.pidPath)
	err := unlock(p.lockFile)
	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsHeld implements ProcessLocker.
func (p *ProcessLock) IsHeld() bool {
	return p.held
}

// HolderPID implements ProcessLocker.
func (p *ProcessLock) HolderPID() int {
	return p.readHolderPID()
}

// LockPath returns the lock file path.
func (p *ProcessLock) LockPath() string {
	return p.lockPath
}

func (p *ProcessLock) readHolderPID() int {
	data, err := os.ReadFile(p.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// ErrLockHeld is returned by Acquire when another run holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another provisioner run is in progress (PID %d); if stale, remove %s", e.HolderPID, e.LockPath)
	}
	return fmt.Sprintf("another provisioner run is in progress (check: lsof %s)", e.LockPath)
}

var _ ProcessLocker = (*ProcessLock)(nil)
