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
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
)

// TemplateData is exposed to URL, step and path templates.
type TemplateData struct {
	OS      string
	Arch    string
	Version string
	Prefix  string
	Jobs    int
	Home    string
}

func newTemplateData(s deps.Strategy, info platform.Info, prefix string, jobs int) TemplateData {
	arch := info.Arch
	if alias, ok := s.ArchNames[arch]; ok {
		arch = alias
	}
	home, _ := os.UserHomeDir()
	return TemplateData{
		OS:      info.OS,
		Arch:    arch,
		Version: s.Version,
		Prefix:  prefix,
		Jobs:    jobs,
		Home:    home,
	}
}

// Render expands a single template string. Unknown fields are errors.
func Render(text string, data TemplateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("strategy").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", text, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", text, err)
	}
	return b.String(), nil
}

// RenderArgv expands every element of argv.
func RenderArgv(argv []string, data TemplateData) ([]string, error) {
	out := make([]string, len(argv))
	for i, arg := range argv {
		r, err := Render(arg, data)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func renderPath(s deps.Strategy, info platform.Info) ([]string, error) {
	if len(s.Path) == 0 {
		return nil, nil
	}
	return RenderArgv(s.Path, newTemplateData(s, info, "", 0))
}
