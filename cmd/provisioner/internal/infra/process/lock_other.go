//go:build !unix

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
	"os"
)

var errWouldBlock = errors.New("lock held")

// Without flock the lock file is created exclusively and removed on unlock.
func tryLock(f *os.File) error {
	marker, err := os.OpenFile(f.Name()+".held", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return errWouldBlock
		}
		return err
	}
	return marker.Close()
}

func unlock(f *os.File) error {
	return os.Remove(f.Name() + ".held")
}
