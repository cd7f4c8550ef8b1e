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
Package process provides abstractions for external process execution and
inter-process synchronization.

# Overview

This package contains three components:

  - ProcessManager: Runs external commands (package managers, compilers,
    check commands) and launches detached services
  - SearchPath: The provisioner's own view of PATH, extended as tools are
    installed into non-standard locations during a run
  - ProcessLocker: File-based locking so two provisioner runs never mutate
    the same state directory at once

# ProcessManager

Every exec.Command in the provisioner goes through ProcessManager so stages
and strategies can be unit tested without touching the host:

	path := process.NewSearchPath()
	pm := process.NewDefaultProcessManager(path)
	res, err := pm.Run(ctx, process.Command{Name: "git", Args: []string{"--version"}})

For testing, use MockProcessManager:

	mock := &process.MockProcessManager{
	    RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
	        return process.Result{Stdout: []byte("git version 2.43.0")}, nil
	    },
	}

# SearchPath

Tools installed under ~/.local/bin or ~/.cargo/bin mid-run are not visible to
the parent shell's PATH. Rather than mutating the process environment, stages
prepend directories to a SearchPath that the ProcessManager consults when
resolving executables and building the child environment.

# ProcessLocker

	lock := process.NewProcessLock(process.ProcessLockConfig{LockDir: stateDir})
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()

# Thread Safety

  - ProcessManager and SearchPath are safe for concurrent use
  - ProcessLocker is NOT safe for concurrent use from multiple goroutines

# Limitations

  - ProcessLocker uses advisory flock(2) locks
*/
package process
