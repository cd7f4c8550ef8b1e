// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel controls how much decoration console output carries.
type PersonalityLevel string

const (
	// PersonalityFull renders colors, boxes and icons.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityStandard renders colors and icons without boxes.
	PersonalityStandard PersonalityLevel = "standard"

	// PersonalityMinimal renders icons only.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine renders plain "LEVEL: text" lines for log scrapers and CI.
	PersonalityMachine PersonalityLevel = "machine"
)

// Personality holds the active output style.
type Personality struct {
	Level PersonalityLevel

	// ShowTips enables remediation hints under errors.
	ShowTips bool
}

var (
	currentPersonality = DefaultPersonality()
	personalityMu      sync.RWMutex
)

// DefaultPersonality returns the full personality with tips enabled.
func DefaultPersonality() Personality {
	return Personality{Level: PersonalityFull, ShowTips: true}
}

// GetPersonality returns the active personality.
func GetPersonality() Personality {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return currentPersonality
}

// SetPersonality replaces the active personality.
func SetPersonality(p Personality) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentPersonality = p
}

// SetPersonalityLevel changes only the level of the active personality.
func SetPersonalityLevel(level PersonalityLevel) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentPersonality.Level = level
}

// ParsePersonalityLevel maps a flag value to a level. Unknown values map to standard.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f":
		return PersonalityFull
	case "standard", "std", "s":
		return PersonalityStandard
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

// InitPersonality picks a level from PROVISIONER_PERSONALITY, falling back to
// machine output when stdout is not a terminal.
func InitPersonality() {
	if envLevel := os.Getenv("PROVISIONER_PERSONALITY"); envLevel != "" {
		SetPersonalityLevel(ParsePersonalityLevel(envLevel))
		return
	}
	if !IsTerminal(os.Stdout) {
		SetPersonalityLevel(PersonalityMachine)
		return
	}
	SetPersonalityLevel(PersonalityFull)
}

// IsTerminal reports whether f is attached to a terminal (including Cygwin ptys).
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
