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
	"testing"
)

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		in   string
		want PersonalityLevel
	}{
		{"full", PersonalityFull},
		{"F", PersonalityFull},
		{"std", PersonalityStandard},
		{"min", PersonalityMinimal},
		{"quiet", PersonalityMachine},
		{"machine", PersonalityMachine},
		{"???", PersonalityStandard},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParsePersonalityLevel(tt.in); got != tt.want {
				t.Errorf("ParsePersonalityLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestInitPersonality_FromEnv(t *testing.T) {
	prev := GetPersonality()
	t.Cleanup(func() { SetPersonality(prev) })

	t.Setenv("PROVISIONER_PERSONALITY", "minimal")
	InitPersonality()
	if got := GetPersonality().Level; got != PersonalityMinimal {
		t.Errorf("level = %q, want minimal", got)
	}
}

func TestIsTerminal_NilAndFile(t *testing.T) {
	if IsTerminal(nil) {
		t.Error("nil file reported as terminal")
	}
	f, err := os.CreateTemp(t.TempDir(), "tty")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if IsTerminal(f) {
		t.Error("regular file reported as terminal")
	}
}
