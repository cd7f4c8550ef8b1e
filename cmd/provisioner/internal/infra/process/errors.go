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
	"os/exec"
	"strings"
)

// CommandError provides rich context for a failed external command.
//
// # Description
//
// Carries the command line, exit code, and trimmed stderr so that the
// report can show why a package manager or compiler failed without the
// caller re-running anything.
//
// # Example
//
//	err := NewCommandError("apt-get install -y git", 100, "E: Unable to locate package", exitErr)
//	fmt.Println(err.Error()) // "apt-get install -y git (exit 100): E: Unable to locate package"
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code (-1 if the process never ran).
	ExitCode int

	// Stderr contains the trimmed standard error output.
	Stderr string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns "<command> (exit N): <stderr>".
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr reports whether stderr output was captured.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var _ error = (*CommandError)(nil)

// NewCommandError creates a CommandError with stderr trimmed.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr walks the error chain and returns the first captured stderr.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	for err != nil {
		if errors.As(err, &cmdErr) && cmdErr.HasStderr() {
			return cmdErr.Stderr
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// IsNotFound reports whether err means the executable does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
