// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deps

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// NormalizeVersion converts "1.75", "v2.4.1-beta", "3" to canonical
// "vMAJOR.MINOR.PATCH". Missing components are 0; anything after the numeric
// prefix of a component is dropped.
func NormalizeVersion(v string) (string, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return "", fmt.Errorf("empty version")
	}

	parts := strings.SplitN(v, ".", 4)
	nums := [3]int{}
	for i := 0; i < 3 && i < len(parts); i++ {
		digits := leadingDigits(parts[i])
		if digits == "" {
			if i == 0 {
				return "", fmt.Errorf("version %q has no numeric major component", v)
			}
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return "", fmt.Errorf("version %q: %w", v, err)
		}
		nums[i] = n
		if len(digits) != len(parts[i]) {
			break
		}
	}

	canonical := fmt.Sprintf("v%d.%d.%d", nums[0], nums[1], nums[2])
	if !semver.IsValid(canonical) {
		return "", fmt.Errorf("version %q is not valid", v)
	}
	return canonical, nil
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// CompareVersions returns -1, 0 or +1 as a is less than, equal to, or
// greater than b under major.minor.patch ordering.
func CompareVersions(a, b string) (int, error) {
	na, err := NormalizeVersion(a)
	if err != nil {
		return 0, err
	}
	nb, err := NormalizeVersion(b)
	if err != nil {
		return 0, err
	}
	return semver.Compare(na, nb), nil
}

// ExtractVersion applies pattern to output and returns the first version.
//
// With capture groups, non-empty groups are joined with dots, so the default
// pattern turns "rustc 1.75.0 (82e1608df 2023-12-21)" into "1.75.0". Without
// groups the whole match is used.
func ExtractVersion(pattern *regexp.Regexp, output string) (string, bool) {
	m := pattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	if len(m) == 1 {
		return m[0], m[0] != ""
	}
	var parts []string
	for _, g := range m[1:] {
		if g != "" {
			parts = append(parts, g)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "."), true
}
