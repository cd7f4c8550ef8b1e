// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package platform

import (
	"fmt"
	"strings"
)

// Family is the closed set of host families the provisioner distinguishes.
type Family int

const (
	// FamilyUnknown is any host without a recognized package manager,
	// including every non-Linux host.
	FamilyUnknown Family = iota

	// FamilyDebian covers Debian, Ubuntu and derivatives (apt-get).
	FamilyDebian

	// FamilyRedHat covers RHEL, Fedora, CentOS, Rocky, Alma, Amazon Linux (dnf/yum).
	FamilyRedHat

	// FamilyAlpine covers Alpine Linux (apk).
	FamilyAlpine
)

// Families lists every family in declaration order.
var Families = []Family{FamilyUnknown, FamilyDebian, FamilyRedHat, FamilyAlpine}

// String returns the lower-case family name used in manifests.
func (f Family) String() string {
	switch f {
	case FamilyDebian:
		return "debian"
	case FamilyRedHat:
		return "redhat"
	case FamilyAlpine:
		return "alpine"
	default:
		return "unknown"
	}
}

// ParseFamily maps a manifest key to a Family.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debian":
		return FamilyDebian, nil
	case "redhat", "rhel":
		return FamilyRedHat, nil
	case "alpine":
		return FamilyAlpine, nil
	case "unknown":
		return FamilyUnknown, nil
	default:
		return FamilyUnknown, fmt.Errorf("unknown platform family %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler for JSON reports.
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// PackageManager is the invocation template for one native package manager.
type PackageManager struct {
	// Name is the binary looked up on the search path.
	Name string

	// Install is the argv prefix; package names are appended.
	Install []string

	// Refresh updates the package index. Nil when the manager refreshes
	// on its own.
	Refresh []string

	// Env is added to every invocation to suppress prompts.
	Env []string
}

// InstallArgv returns the full install argv for packages.
func (pm PackageManager) InstallArgv(packages ...string) []string {
	argv := make([]string, 0, len(pm.Install)+len(packages))
	argv = append(argv, pm.Install...)
	return append(argv, packages...)
}

// IsZero reports whether pm is the empty template.
func (pm PackageManager) IsZero() bool {
	return pm.Name == ""
}

// packageManagers maps each family to its managers in preference order.
var packageManagers = map[Family][]PackageManager{
	FamilyDebian: {
		{
			Name:    "apt-get",
			Install: []string{"apt-get", "install", "-y", "--no-install-recommends"},
			Refresh: []string{"apt-get", "update"},
			Env:     []string{"DEBIAN_FRONTEND=noninteractive"},
		},
	},
	FamilyRedHat: {
		{
			Name:    "dnf",
			Install: []string{"dnf", "install", "-y"},
		},
		{
			Name:    "yum",
			Install: []string{"yum", "install", "-y"},
		},
	},
	FamilyAlpine: {
		{
			Name:    "apk",
			Install: []string{"apk", "add", "--no-cache"},
		},
	},
}

// PackageManagers returns the candidate managers for f, preferred first.
// FamilyUnknown has none.
func PackageManagers(f Family) []PackageManager {
	return packageManagers[f]
}

// InstallHint returns a copy-pasteable install command for a remediation
// message.
func InstallHint(f Family, pkg string) string {
	managers := PackageManagers(f)
	if len(managers) == 0 || pkg == "" {
		return fmt.Sprintf("Install %s manually using your platform's package manager.", orTool(pkg))
	}
	return "sudo " + strings.Join(managers[0].InstallArgv(pkg), " ")
}

func orTool(pkg string) string {
	if pkg == "" {
		return "the tool"
	}
	return pkg
}
