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
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// SearchPath is the provisioner's executable search path.
//
// It starts from the parent's PATH and grows as stages install tools into
// directories the parent shell does not know about. It is shared by pointer
// through the provisioning context; nothing writes to os.Setenv.
type SearchPath struct {
	mu    sync.RWMutex
	extra []string
	base  []string
}

// NewSearchPath returns a SearchPath seeded from the current PATH.
func NewSearchPath() *SearchPath {
	return NewSearchPathFrom(os.Getenv("PATH"))
}

// NewSearchPathFrom returns a SearchPath seeded from a PATH-style string.
func NewSearchPathFrom(pathEnv string) *SearchPath {
	return &SearchPath{base: filepath.SplitList(pathEnv)}
}

// Prepend adds dir ahead of the inherited PATH. Returns false if dir was
// already present.
func (p *SearchPath) Prepend(dir string) bool {
	if dir == "" {
		return false
	}
	dir = filepath.Clean(dir)

	p.mu.Lock()
	defer p.mu.Unlock()
	if slices.Contains(p.extra, dir) {
		return false
	}
	p.extra = append([]string{dir}, p.extra...)
	return true
}

// Added returns the directories prepended during this run, most recent first.
func (p *SearchPath) Added() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.extra)
}

// Dirs returns the effective search order.
func (p *SearchPath) Dirs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dirs := make([]string, 0, len(p.extra)+len(p.base))
	dirs = append(dirs, p.extra...)
	for _, d := range p.base {
		if d != "" && !slices.Contains(dirs, d) {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// String renders the search path in PATH form.
func (p *SearchPath) String() string {
	return strings.Join(p.Dirs(), string(os.PathListSeparator))
}

// LookPath resolves name to an executable file.
//
// Names containing a path separator are checked directly. The returned error
// wraps exec.ErrNotFound when nothing matches.
func (p *SearchPath) LookPath(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if err := checkExecutable(name); err != nil {
			return "", &exec.Error{Name: name, Err: err}
		}
		return name, nil
	}
	for _, dir := range p.Dirs() {
		candidate := filepath.Join(dir, name)
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

// Environ returns env with PATH replaced by this search path.
func (p *SearchPath) Environ(env []string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") {
			out = append(out, kv)
		}
	}
	return append(out, "PATH="+p.String())
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return exec.ErrNotFound
		}
		return err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fs.ErrPermission
	}
	return nil
}
