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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	// Name is the executable, resolved through the SearchPath.
	Name string

	// Args are passed verbatim.
	Args []string

	// Dir is the working directory. Empty means the provisioner's cwd.
	Dir string

	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string

	// Stdin, if set, feeds the process.
	Stdin io.Reader

	// Timeout bounds Run. Zero means only ctx bounds it.
	Timeout time.Duration

	// Output receives stdout and stderr of a detached process started with
	// Start. Ignored by Run.
	Output *os.File
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	if len(r.Stderr) == 0 {
		return string(r.Stdout)
	}
	if len(r.Stdout) == 0 {
		return string(r.Stderr)
	}
	return string(r.Stdout) + "\n" + string(r.Stderr)
}

// ProcessManager abstracts external process execution.
//
// # Description
//
// Every check command, package-manager call, compiler run and service launch
// goes through this interface so stages and strategies can be tested without
// executing anything on the host.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ProcessManager interface {
	// Run executes cmd and waits for it.
	//
	// A command that cannot be found returns an error for which IsNotFound is
	// true. A non-zero exit returns *CommandError alongside the captured
	// Result.
	Run(ctx context.Context, cmd Command) (Result, error)

	// Start launches cmd detached in its own process group and returns its
	// PID without waiting.
	Start(ctx context.Context, cmd Command) (int, error)

	// IsRunning reports whether a process whose command line matches
	// pattern is running, and its PID.
	IsRunning(ctx context.Context, pattern string) (bool, int, error)

	// LookPath resolves an executable through the search path.
	LookPath(name string) (string, error)
}

// waitDelay bounds how long Run waits for grandchildren holding the output
// pipes after the direct child was killed.
const waitDelay = 2 * time.Second

// DefaultProcessManager runs real processes via os/exec.
type DefaultProcessManager struct {
	path *SearchPath
}

// NewDefaultProcessManager creates a ProcessManager resolving executables
// through path. A nil path uses the inherited PATH.
func NewDefaultProcessManager(path *SearchPath) *DefaultProcessManager {
	if path == nil {
		path = NewSearchPath()
	}
	return &DefaultProcessManager{path: path}
}

// Run implements ProcessManager.
func (pm *DefaultProcessManager) Run(ctx context.Context, c Command) (Result, error) {
	bin, err := pm.resolve(c)
	if err != nil {
		return Result{ExitCode: -1}, NewCommandError(c.String(), -1, "", err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = pm.path.Environ(append(os.Environ(), c.Env...))
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if runErr == nil {
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		runErr = fmt.Errorf("%w: %w", ctxErr, runErr)
	}
	return res, NewCommandError(c.String(), res.ExitCode, stderr.String(), runErr)
}

// Start implements ProcessManager.
//
// The child is not tied to ctx and outlives the provisioner. Output goes to
// c.Output or is discarded.
func (pm *DefaultProcessManager) Start(_ context.Context, c Command) (int, error) {
	bin, err := pm.resolve(c)
	if err != nil {
		return 0, NewCommandError(c.String(), -1, "", err)
	}

	cmd := exec.Command(bin, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = pm.path.Environ(append(os.Environ(), c.Env...))
	if c.Output != nil {
		cmd.Stdout = c.Output
		cmd.Stderr = c.Output
	}
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", c.Name, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release %s: %w", c.Name, err)
	}
	return pid, nil
}

// resolve looks up c.Name; relative paths such as "./configure" are taken
// relative to c.Dir.
func (pm *DefaultProcessManager) resolve(c Command) (string, error) {
	name := c.Name
	if c.Dir != "" && strings.ContainsRune(name, os.PathSeparator) && !filepath.IsAbs(name) {
		name = filepath.Join(c.Dir, name)
	}
	return pm.path.LookPath(name)
}

// IsRunning implements ProcessManager using pgrep.
func (pm *DefaultProcessManager) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	res, err := pm.Run(ctx, Command{Name: "pgrep", Args: []string{"-f", pattern}})
	if err != nil {
		if res.ExitCode == 1 {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("pgrep failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return false, 0, nil
	}
	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return true, 0, nil
	}
	return true, pid, nil
}

// LookPath implements ProcessManager.
func (pm *DefaultProcessManager) LookPath(name string) (string, error) {
	return pm.path.LookPath(name)
}

// SearchPath returns the search path this manager resolves through.
func (pm *DefaultProcessManager) SearchPath() *SearchPath {
	return pm.path
}

// MockProcessManager is a test double with function fields.
//
// Unset function fields panic when called, except LookPathFunc which
// reports every name as found under /usr/bin.
type MockProcessManager struct {
	RunFunc       func(ctx context.Context, cmd Command) (Result, error)
	StartFunc     func(ctx context.Context, cmd Command) (int, error)
	IsRunningFunc func(ctx context.Context, pattern string) (bool, int, error)
	LookPathFunc  func(name string) (string, error)

	// Calls records every invocation in order.
	Calls []Command

	mu sync.Mutex
}

func (m *MockProcessManager) record(cmd Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, cmd)
}

// Run implements ProcessManager.
func (m *MockProcessManager) Run(ctx context.Context, cmd Command) (Result, error) {
	m.record(cmd)
	if m.RunFunc == nil {
		panic("MockProcessManager.RunFunc not set")
	}
	return m.RunFunc(ctx, cmd)
}

// Start implements ProcessManager.
func (m *MockProcessManager) Start(ctx context.Context, cmd Command) (int, error) {
	m.record(cmd)
	if m.StartFunc == nil {
		panic("MockProcessManager.StartFunc not set")
	}
	return m.StartFunc(ctx, cmd)
}

// IsRunning implements ProcessManager.
func (m *MockProcessManager) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	if m.IsRunningFunc == nil {
		return false, 0, nil
	}
	return m.IsRunningFunc(ctx, pattern)
}

// LookPath implements ProcessManager.
func (m *MockProcessManager) LookPath(name string) (string, error) {
	if m.LookPathFunc == nil {
		return "/usr/bin/" + name, nil
	}
	return m.LookPathFunc(name)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockProcessManager) GetCalls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// Reset clears recorded calls.
func (m *MockProcessManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
)
