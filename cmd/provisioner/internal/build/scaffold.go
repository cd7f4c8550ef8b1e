// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package build

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
)

// DefaultDirs are the runtime directories the application expects next to
// its binary.
var DefaultDirs = []string{"logs", "ollama_logs", "trading_portfolio", "live_data", "sandbox_data"}

// Scaffold creates any of dirs missing under root and returns the ones it
// created.
func Scaffold(root string, dirs []string) ([]string, error) {
	var created []string
	for _, d := range dirs {
		path := filepath.Join(root, d)
		if !fsutil.Within(root, path) {
			return created, fmt.Errorf("scaffold directory %q escapes %s", d, root)
		}
		exists, err := fsutil.Exists(path)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return created, fmt.Errorf("create %s: %w", path, err)
		}
		created = append(created, d)
	}
	return created, nil
}

// MissingDirs returns the entries of dirs that do not exist under root.
func MissingDirs(root string, dirs []string) []string {
	var missing []string
	for _, d := range dirs {
		if info, err := os.Stat(filepath.Join(root, d)); err != nil || !info.IsDir() {
			missing = append(missing, d)
		}
	}
	return missing
}

// SeedConfig copies example to target when target does not exist yet.
// Returns true if it wrote the file. A missing example is not an error.
func SeedConfig(target, example string) (bool, error) {
	exists, err := fsutil.Exists(target)
	if err != nil || exists {
		return false, err
	}
	exists, err = fsutil.Exists(example)
	if err != nil || !exists {
		return false, err
	}
	if err := fsutil.Copy(example, target); err != nil {
		return false, fmt.Errorf("seed %s from %s: %w", target, example, err)
	}
	// The config holds API credentials once filled in.
	if err := os.Chmod(target, 0o600); err != nil {
		return true, err
	}
	return true, nil
}
