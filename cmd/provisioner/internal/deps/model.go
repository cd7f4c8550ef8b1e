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
Package deps defines the declared dependency set and verifies it against the
host.

A Dependency names a tool, the command that proves it is installed, an
optional minimum version, and the ordered Strategies that can acquire it.
Dependencies are static: they are loaded once from the embedded manifest or
a user manifest (YAML or HCL) and never mutated afterwards.

The Verifier is read-only. Acquisition lives in the installer package.
*/
package deps

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Group orders dependencies into pipeline stages.
type Group string

const (
	// GroupSystem holds base tools (vcs, compilers, protoc).
	GroupSystem Group = "system"

	// GroupToolchain holds language toolchains (rustc, cargo).
	GroupToolchain Group = "toolchain"

	// GroupRuntime holds the AI runtime service binary.
	GroupRuntime Group = "runtime"
)

// DefaultVersionPattern matches the first major.minor[.patch] in output.
const DefaultVersionPattern = `(\d+)\.(\d+)(?:\.(\d+))?`

// Dependency is one required external tool.
type Dependency struct {
	Name  string `yaml:"name" json:"name"`
	Group Group  `yaml:"group" json:"group"`

	// Check is the argv run to prove presence, e.g. ["git", "--version"].
	Check []string `yaml:"check" json:"check"`

	// VersionPattern overrides DefaultVersionPattern.
	VersionPattern string `yaml:"version_pattern,omitempty" json:"version_pattern,omitempty"`

	// MinVersion, when set, must be <= the detected version.
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`

	// Remediation is shown when the dependency stays unsatisfied.
	Remediation string `yaml:"remediation,omitempty" json:"remediation,omitempty"`

	// Strategies are attempted in order. Empty means a hard requirement.
	Strategies []Strategy `yaml:"strategies,omitempty" json:"strategies,omitempty"`
}

// IsHard reports whether the dependency has no acquisition strategies.
func (d Dependency) IsHard() bool {
	return len(d.Strategies) == 0
}

// Pattern compiles the version extractor.
func (d Dependency) Pattern() (*regexp.Regexp, error) {
	p := d.VersionPattern
	if p == "" {
		p = DefaultVersionPattern
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("dependency %s: invalid version_pattern: %w", d.Name, err)
	}
	return re, nil
}

// Validate checks the dependency definition.
func (d Dependency) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch d.Group {
	case GroupSystem, GroupToolchain, GroupRuntime:
	default:
		errs = append(errs, fmt.Errorf("group %q must be one of system, toolchain, runtime", d.Group))
	}
	if len(d.Check) == 0 || d.Check[0] == "" {
		errs = append(errs, errors.New("check command is required"))
	}
	if _, err := d.Pattern(); err != nil {
		errs = append(errs, err)
	}
	if d.MinVersion != "" {
		if _, err := NormalizeVersion(d.MinVersion); err != nil {
			errs = append(errs, fmt.Errorf("min_version: %w", err))
		}
	}
	for i, s := range d.Strategies {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("strategy %d (%s): %w", i+1, s.Kind, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("dependency %q: %w", d.Name, errors.Join(errs...))
	}
	return nil
}

// StrategyKind tags a Strategy variant.
type StrategyKind string

const (
	// KindPackage installs through the native package manager.
	KindPackage StrategyKind = "package"

	// KindDownload fetches a prebuilt archive or binary.
	KindDownload StrategyKind = "download"

	// KindSource fetches a source archive and builds it.
	KindSource StrategyKind = "source"
)

// ArchiveType is the declared format of a downloaded artifact.
type ArchiveType string

const (
	ArchiveTarGz  ArchiveType = "tar.gz"
	ArchiveTarZst ArchiveType = "tar.zst"
	ArchiveZip    ArchiveType = "zip"
	ArchiveBinary ArchiveType = "binary"
)

// Valid reports whether a is a supported archive type.
func (a ArchiveType) Valid() bool {
	switch a {
	case ArchiveTarGz, ArchiveTarZst, ArchiveZip, ArchiveBinary:
		return true
	}
	return false
}

// Checksum policies for download and source strategies.
const (
	// ChecksumRemote fetches "<url>.sha256" and verifies against it.
	ChecksumRemote = "remote"

	// ChecksumSkip disables verification.
	ChecksumSkip = "skip"
)

var sha256Hex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Strategy is one way to acquire a dependency.
//
// Only the fields for Kind are meaningful:
//
//   - package: Packages
//   - download: URL, Version, Archive, Checksum, Binaries, Steps (install steps)
//   - source: URL, Version, Archive, Checksum, Binaries, Steps (build steps)
//
// URL, Steps and Path are text/template strings expanded with OS, Arch,
// Version, Prefix, Jobs and Home.
type Strategy struct {
	Kind StrategyKind `yaml:"kind" json:"kind"`

	// Packages maps a platform family name to its package name.
	Packages map[string]string `yaml:"packages,omitempty" json:"packages,omitempty"`

	URL     string      `yaml:"url,omitempty" json:"url,omitempty"`
	Version string      `yaml:"version,omitempty" json:"version,omitempty"`
	Archive ArchiveType `yaml:"archive,omitempty" json:"archive,omitempty"`

	// Checksum is empty or "skip" (none), "remote", or a pinned sha256 hex.
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`

	// Binaries are paths relative to the install root linked into bin_dir.
	Binaries []string `yaml:"binaries,omitempty" json:"binaries,omitempty"`

	Steps [][]string `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Path lists directories (templates) added to the search path after a
	// successful attempt, for installers that place tools outside the
	// install root.
	Path []string `yaml:"path,omitempty" json:"path,omitempty"`

	// ArchNames renames GOARCH values for URL templates, e.g.
	// {amd64: x86_64}.
	ArchNames map[string]string `yaml:"arch_names,omitempty" json:"arch_names,omitempty"`
}

// Describe returns a short label used in attempt lists and reports.
func (s Strategy) Describe() string {
	switch s.Kind {
	case KindPackage:
		names := make([]string, 0, len(s.Packages))
		seen := map[string]bool{}
		for _, family := range []string{"debian", "redhat", "alpine"} {
			if n, ok := s.Packages[family]; ok && !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
		return fmt.Sprintf("package(%s)", strings.Join(names, ","))
	case KindDownload, KindSource:
		return fmt.Sprintf("%s(%s)", s.Kind, s.URL)
	default:
		return string(s.Kind)
	}
}

// PackageFor returns the package name for a family, if declared.
func (s Strategy) PackageFor(family string) (string, bool) {
	name, ok := s.Packages[family]
	return name, ok && name != ""
}

// PinnedChecksum returns the pinned sha256, if any.
func (s Strategy) PinnedChecksum() (string, bool) {
	if sha256Hex.MatchString(s.Checksum) {
		return strings.ToLower(s.Checksum), true
	}
	return "", false
}

// Validate checks that the fields required by Kind are present.
func (s Strategy) Validate() error {
	switch s.Kind {
	case KindPackage:
		if len(s.Packages) == 0 {
			return errors.New("packages is required")
		}
		return nil
	case KindDownload, KindSource:
		if s.URL == "" {
			return errors.New("url is required")
		}
		if !s.Archive.Valid() {
			return fmt.Errorf("archive %q must be one of tar.gz, tar.zst, zip, binary", s.Archive)
		}
		if s.Kind == KindSource && s.Archive == ArchiveBinary {
			return errors.New("source strategies need an archive")
		}
		if s.Kind == KindSource && len(s.Steps) == 0 {
			return errors.New("steps are required for source builds")
		}
		switch {
		case s.Checksum == "", s.Checksum == ChecksumSkip, s.Checksum == ChecksumRemote:
		case sha256Hex.MatchString(s.Checksum):
		default:
			return fmt.Errorf("checksum %q must be skip, remote or a sha256 hex digest", s.Checksum)
		}
		for _, step := range s.Steps {
			if len(step) == 0 {
				return errors.New("empty step")
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
}

// Status is the verification outcome of a dependency.
type Status int

const (
	// StatusUnsatisfied means absent, failing, or too old.
	StatusUnsatisfied Status = iota

	// StatusSatisfied means present and new enough without any action.
	StatusSatisfied

	// StatusRepaired means a strategy made it satisfied during this run.
	StatusRepaired
)

func (s Status) String() string {
	switch s {
	case StatusSatisfied:
		return "satisfied"
	case StatusRepaired:
		return "repaired"
	default:
		return "unsatisfied"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OK reports whether the dependency is usable.
func (s Status) OK() bool {
	return s == StatusSatisfied || s == StatusRepaired
}

// Attempt records one strategy execution.
type Attempt struct {
	Strategy string       `json:"strategy"`
	Kind     StrategyKind `json:"kind"`
	Error    string       `json:"error,omitempty"`
	Output   string       `json:"output,omitempty"`
}

// Succeeded reports whether the attempt satisfied the dependency.
func (a Attempt) Succeeded() bool {
	return a.Error == ""
}

// CheckResult is the outcome for one dependency in one run.
//
// Built once by the Verifier or installer chain and not modified afterwards.
type CheckResult struct {
	Dependency      string `json:"dependency"`
	Status          Status `json:"status"`
	DetectedVersion string `json:"detected_version,omitempty"`

	// Via is the strategy that repaired the dependency.
	Via *Strategy `json:"via,omitempty"`

	// Reason explains an Unsatisfied status.
	Reason string `json:"reason,omitempty"`

	// Output is an excerpt of the last check command output.
	Output string `json:"output,omitempty"`

	Attempts []Attempt `json:"attempts,omitempty"`
}

// WithAttempts returns a copy carrying attempts.
func (r CheckResult) WithAttempts(attempts []Attempt) CheckResult {
	r.Attempts = append([]Attempt(nil), attempts...)
	return r
}

// Repaired returns a copy marked repaired via s.
func (r CheckResult) Repaired(s Strategy) CheckResult {
	r.Status = StatusRepaired
	r.Via = &s
	r.Reason = ""
	return r
}
