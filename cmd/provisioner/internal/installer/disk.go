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
	"errors"
	"fmt"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
)

// CheckFreeSpace fails when path's filesystem has less than minMB free.
// Platforms without statfs are not checked.
func CheckFreeSpace(path string, minMB int64) error {
	if minMB <= 0 {
		return nil
	}
	free, err := fsutil.FreeBytes(path)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	need := uint64(minMB) * 1024 * 1024
	if free < need {
		return fmt.Errorf("insufficient disk space in %s: need %d MB, have %d MB", path, minMB, free/(1024*1024))
	}
	return nil
}
