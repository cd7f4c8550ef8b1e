// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package platform identifies the host family and its native package manager.
package platform

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Info describes the detected host.
type Info struct {
	Family Family `json:"family"`

	// PackageManager is the first manager of Family found on the search
	// path. Zero when none was found.
	PackageManager PackageManager `json:"-"`

	// PackageManagerPresent reports whether PackageManager was found.
	PackageManagerPresent bool `json:"package_manager_present"`

	// OS and Arch use GOOS/GOARCH naming.
	OS   string `json:"os"`
	Arch string `json:"arch"`

	// DistroID and DistroVersion come from os-release when available.
	DistroID      string `json:"distro_id,omitempty"`
	DistroVersion string `json:"distro_version,omitempty"`

	// Root reports whether the provisioner runs with uid 0.
	Root bool `json:"root"`
}

// ManagerName returns the package manager name or "none".
func (i Info) ManagerName() string {
	if !i.PackageManagerPresent {
		return "none"
	}
	return i.PackageManager.Name
}

// NeedsManualIntervention reports whether package-manager strategies cannot
// run on this host.
func (i Info) NeedsManualIntervention() bool {
	return i.Family == FamilyUnknown || !i.PackageManagerPresent
}

// Detector inspects the host. The zero value is not usable; use NewDetector.
type Detector struct {
	// Root prefixes every probed file. "/" on a real host.
	Root string

	// GOOS and GOARCH default to the running binary's values.
	GOOS   string
	GOARCH string

	// LookPath resolves package manager binaries.
	LookPath func(name string) (string, error)

	// UID returns the effective user ID.
	UID func() int

	logger *slog.Logger
}

// NewDetector creates a Detector for the running host.
func NewDetector(lookPath func(string) (string, error), logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		Root:     "/",
		GOOS:     runtime.GOOS,
		GOARCH:   runtime.GOARCH,
		LookPath: lookPath,
		UID:      os.Geteuid,
		logger:   logger,
	}
}

// Detect identifies the host platform.
//
// # Description
//
// Reads /etc/os-release (ID, ID_LIKE, VERSION_ID), falls back to the
// distribution marker files, then looks up the family's package managers in
// preference order. Never fails: anything unrecognized is FamilyUnknown.
//
// # Outputs
//
//   - Info: Detected platform
//
// # Examples
//
//	info := detector.Detect()
//	if info.NeedsManualIntervention() {
//	    // package-manager strategies will soft-fail
//	}
func (d *Detector) Detect() Info {
	info := Info{OS: d.GOOS, Arch: d.GOARCH}
	if d.UID != nil {
		info.Root = d.UID() == 0
	}
	if d.GOOS != "linux" {
		d.logger.Debug("non-linux host, no package manager support", "os", d.GOOS)
		return info
	}

	release := d.readOSRelease()
	info.DistroID = release["ID"]
	info.DistroVersion = release["VERSION_ID"]
	info.Family = familyFromRelease(release)
	if info.Family == FamilyUnknown {
		info.Family = d.familyFromMarkers()
	}

	for _, pm := range PackageManagers(info.Family) {
		if d.LookPath == nil {
			break
		}
		if _, err := d.LookPath(pm.Name); err == nil {
			info.PackageManager = pm
			info.PackageManagerPresent = true
			break
		}
	}

	d.logger.Debug("platform detected",
		"family", info.Family,
		"distro", info.DistroID,
		"package_manager", info.ManagerName(),
		"arch", info.Arch,
	)
	return info
}

func (d *Detector) path(p string) string {
	return filepath.Join(d.Root, p)
}

func (d *Detector) readOSRelease() map[string]string {
	for _, p := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		data, err := os.ReadFile(d.path(p))
		if err == nil {
			return ParseOSRelease(data)
		}
	}
	return map[string]string{}
}

// ParseOSRelease parses os-release KEY=value lines, unquoting values.
func ParseOSRelease(data []byte) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		out[strings.TrimSpace(key)] = value
	}
	return out
}

var distroFamilies = map[string]Family{
	"debian":    FamilyDebian,
	"ubuntu":    FamilyDebian,
	"raspbian":  FamilyDebian,
	"linuxmint": FamilyDebian,
	"pop":       FamilyDebian,
	"kali":      FamilyDebian,
	"rhel":      FamilyRedHat,
	"fedora":    FamilyRedHat,
	"centos":    FamilyRedHat,
	"rocky":     FamilyRedHat,
	"almalinux": FamilyRedHat,
	"amzn":      FamilyRedHat,
	"ol":        FamilyRedHat,
	"alpine":    FamilyAlpine,
}

func familyFromRelease(release map[string]string) Family {
	ids := append([]string{release["ID"]}, strings.Fields(release["ID_LIKE"])...)
	for _, id := range ids {
		if f, ok := distroFamilies[strings.ToLower(id)]; ok {
			return f
		}
	}
	return FamilyUnknown
}

func (d *Detector) familyFromMarkers() Family {
	markers := []struct {
		file   string
		family Family
	}{
		{"/etc/debian_version", FamilyDebian},
		{"/etc/redhat-release", FamilyRedHat},
		{"/etc/alpine-release", FamilyAlpine},
	}
	for _, m := range markers {
		if _, err := os.Stat(d.path(m.file)); err == nil {
			return m.family
		}
	}
	return FamilyUnknown
}
