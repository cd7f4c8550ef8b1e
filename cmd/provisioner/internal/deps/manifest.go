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
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultManifest []byte

// Manifest is the declared dependency set.
type Manifest struct {
	Dependencies []Dependency `yaml:"dependencies" json:"dependencies"`

	// Source names where the manifest came from ("embedded" or a path).
	Source string `yaml:"-" json:"source"`
}

// DefaultManifest returns the embedded dependency set.
func DefaultManifest() (*Manifest, error) {
	m, err := ParseYAML(defaultManifest)
	if err != nil {
		return nil, fmt.Errorf("embedded manifest: %w", err)
	}
	m.Source = "embedded"
	return m, nil
}

// LoadManifest reads a user manifest. The format follows the extension:
// .yaml/.yml or .hcl. An empty path returns the embedded default.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m *Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		m, err = ParseYAML(data)
	case ".hcl":
		m, err = ParseHCL(data, path)
	default:
		return nil, fmt.Errorf("manifest %s: unsupported extension (want .yaml, .yml or .hcl)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	m.Source = path
	return m, nil
}

// ParseYAML decodes and validates a YAML manifest. Unknown fields are errors.
func ParseYAML(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

type hclManifestFile struct {
	Dependencies []*hclDependency `hcl:"dependency,block"`
}

type hclDependency struct {
	Name           string         `hcl:"name,label"`
	Group          string         `hcl:"group"`
	Check          []string       `hcl:"check"`
	VersionPattern string         `hcl:"version_pattern,optional"`
	MinVersion     string         `hcl:"min_version,optional"`
	Remediation    string         `hcl:"remediation,optional"`
	Strategies     []*hclStrategy `hcl:"strategy,block"`
}

type hclStrategy struct {
	Kind      string            `hcl:"kind,label"`
	Packages  map[string]string `hcl:"packages,optional"`
	URL       string            `hcl:"url,optional"`
	Version   string            `hcl:"version,optional"`
	Archive   string            `hcl:"archive,optional"`
	Checksum  string            `hcl:"checksum,optional"`
	Binaries  []string          `hcl:"binaries,optional"`
	Steps     [][]string        `hcl:"steps,optional"`
	Path      []string          `hcl:"path,optional"`
	ArchNames map[string]string `hcl:"arch_names,optional"`
}

// ParseHCL decodes and validates an HCL manifest:
//
//	dependency "git" {
//	  group = "system"
//	  check = ["git", "--version"]
//	  strategy "package" {
//	    packages = { debian = "git", redhat = "git", alpine = "git" }
//	  }
//	}
//
// Template braces ("{{.Version}}") pass through HCL unchanged. HCL
// interpolation sees two variables: home (the user's home directory) and
// env (the process environment), so `path = ["${home}/.cargo/bin"]` works.
func ParseHCL(data []byte, filename string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse hcl: %w", diags)
	}

	var parsed hclManifestFile
	diags = gohcl.DecodeBody(file.Body, hclEvalContext(os.Environ()), &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decode hcl: %w", diags)
	}

	m := &Manifest{Dependencies: make([]Dependency, 0, len(parsed.Dependencies))}
	for _, hd := range parsed.Dependencies {
		dep := Dependency{
			Name:           hd.Name,
			Group:          Group(hd.Group),
			Check:          hd.Check,
			VersionPattern: hd.VersionPattern,
			MinVersion:     hd.MinVersion,
			Remediation:    hd.Remediation,
		}
		for _, hs := range hd.Strategies {
			dep.Strategies = append(dep.Strategies, Strategy{
				Kind:      StrategyKind(hs.Kind),
				Packages:  hs.Packages,
				URL:       hs.URL,
				Version:   hs.Version,
				Archive:   ArchiveType(hs.Archive),
				Checksum:  hs.Checksum,
				Binaries:  hs.Binaries,
				Steps:     hs.Steps,
				Path:      hs.Path,
				ArchNames: hs.ArchNames,
			})
		}
		m.Dependencies = append(m.Dependencies, dep)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func hclEvalContext(environ []string) *hcl.EvalContext {
	env := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	envVal := cty.MapValEmpty(cty.String)
	if len(env) > 0 {
		envVal = cty.MapVal(env)
	}
	home, _ := os.UserHomeDir()
	return &hcl.EvalContext{Variables: map[string]cty.Value{
		"env":  envVal,
		"home": cty.StringVal(home),
	}}
}

// Validate checks every dependency and rejects duplicate names.
func (m *Manifest) Validate() error {
	if len(m.Dependencies) == 0 {
		return errors.New("manifest declares no dependencies")
	}
	var errs []error
	seen := make(map[string]bool, len(m.Dependencies))
	for _, d := range m.Dependencies {
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("dependency %q declared twice", d.Name))
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Group returns the dependencies of g in declaration order.
func (m *Manifest) Group(g Group) []Dependency {
	var out []Dependency
	for _, d := range m.Dependencies {
		if d.Group == g {
			out = append(out, d)
		}
	}
	return out
}

// Find returns the dependency named name.
func (m *Manifest) Find(name string) (Dependency, bool) {
	for _, d := range m.Dependencies {
		if d.Name == name {
			return d, true
		}
	}
	return Dependency{}, false
}
