// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
)

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding path. A path that does not exist yet is resolved to
// its nearest existing parent. Platforms without statfs return
// errors.ErrUnsupported.
func FreeBytes(path string) (uint64, error) {
	check := path
	for {
		if _, err := os.Stat(check); err == nil {
			break
		}
		parent := filepath.Dir(check)
		if parent == check {
			break
		}
		check = parent
	}
	return statFree(check)
}

// Size returns the bytes held by regular files under path. Symlinks are
// counted as links, not followed. A missing path has size zero.
func Size(path string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == path && os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}
