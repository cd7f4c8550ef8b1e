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
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/fsutil"
)

// expectedMIME lists the detected types accepted for each archive type.
var expectedMIME = map[deps.ArchiveType][]string{
	deps.ArchiveTarGz:  {"application/gzip"},
	deps.ArchiveTarZst: {"application/zstd"},
	deps.ArchiveZip:    {"application/zip"},
}

// rejectedBinaryMIME catches error pages served with a 200 status.
var rejectedBinaryMIME = []string{"text/html", "text/xml", "application/xml", "application/json"}

// CheckType sniffs path and confirms it matches the declared archive type.
func CheckType(path string, archive deps.ArchiveType) error {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detect content type: %w", err)
	}

	if archive == deps.ArchiveBinary {
		if mimeMatches(detected, rejectedBinaryMIME...) {
			return contentTypeError(path, archive, detected)
		}
		return nil
	}

	want, ok := expectedMIME[archive]
	if !ok {
		return fmt.Errorf("unsupported archive type %q", archive)
	}
	if !mimeMatches(detected, want...) {
		return contentTypeError(path, archive, detected)
	}
	return nil
}

func contentTypeError(path string, archive deps.ArchiveType, detected *mimetype.MIME) error {
	return &FetchError{
		Type:        FetchErrorContentType,
		Message:     fmt.Sprintf("Downloaded file is %s, expected %s", detected.String(), archive),
		Detail:      filepath.Base(path),
		Remediation: "The server probably returned an error page; check the strategy URL",
	}
}

// mimeMatches walks the detected type and its parents.
func mimeMatches(detected *mimetype.MIME, want ...string) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, w := range want {
			if m.Is(w) {
				return true
			}
		}
	}
	return false
}

// Extract unpacks src into dest according to archive. A raw binary is
// copied to dest/name with mode 0755.
func Extract(src, dest string, archive deps.ArchiveType, name string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create extract dir: %w", err)
	}

	switch archive {
	case deps.ArchiveTarGz:
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		return extractTar(gz, dest)

	case deps.ArchiveTarZst:
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		return extractTar(zr, dest)

	case deps.ArchiveZip:
		return extractZip(src, dest)

	case deps.ArchiveBinary:
		if name == "" {
			name = filepath.Base(src)
		}
		target := filepath.Join(dest, filepath.Base(name))
		if err := fsutil.Copy(src, target); err != nil {
			return err
		}
		return os.Chmod(target, 0o755)

	default:
		return fmt.Errorf("unsupported archive type %q", archive)
	}
}

// ErrUnsafePath is returned for archive entries that would escape the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes extraction directory")

func safeTarget(dest, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !fsutil.Within(dest, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func safeLink(dest, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: link %s -> %s", ErrUnsafePath, target, linkname)
	}
	if !fsutil.Within(dest, filepath.Join(filepath.Dir(target), linkname)) {
		return fmt.Errorf("%w: link %s -> %s", ErrUnsafePath, target, linkname)
	}
	return nil
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeTarget(dest, hdr.Name)
		if err != nil {
			return err
		}
		if target == dest {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		mode := hdr.FileInfo().Mode().Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := safeLink(dest, target, hdr.Linkname); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := safeTarget(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and pax metadata carry nothing a tool needs.
		}
	}
}

func extractZip(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeTarget(dest, f.Name)
		if err != nil {
			return err
		}
		if target == dest {
			continue
		}
		info := f.FileInfo()
		if info.IsDir() {
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := io.ReadAll(io.LimitReader(rc, 4096))
			rc.Close()
			if err != nil {
				return err
			}
			if err := safeLink(dest, target, string(link)); err != nil {
				return err
			}
			if err := os.Symlink(string(link), target); err != nil {
				return err
			}
			continue
		}

		perm := info.Mode().Perm()
		if perm == 0 {
			perm = 0o644
		}
		err = writeFile(target, rc, perm)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, perm)
}

// SourceRoot returns the single top-level directory of an extracted source
// archive, or dir itself when the archive has no common root.
func SourceRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}
