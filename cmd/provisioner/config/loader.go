// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/runtime"
	"github.com/AleutianAI/provisioner/pkg/logging"
)

// ErrNotFound is returned when an explicitly named config file is missing.
var ErrNotFound = errors.New("config file not found")

// DefaultPath returns ~/.provisioner/provisioner.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".provisioner", "provisioner.yaml"), nil
}

// Load reads the config, applies environment overrides and expands "~".
//
// # Description
//
// With an empty path the default location is used and created with
// defaults on first run. An explicit path must exist. Fields missing from
// the file keep their defaults; unknown fields are errors.
//
// # Inputs
//
//   - path: Config file, or "" for DefaultPath
//
// # Outputs
//
//   - ProvisionerConfig: Effective configuration
//   - string: The file that was read
//   - error: Unreadable or invalid file, or ErrNotFound
func Load(path string) (ProvisionerConfig, string, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return ProvisionerConfig{}, "", err
		}
		path = p
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := createDefault(path); err != nil {
				return ProvisionerConfig{}, "", err
			}
		}
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return ProvisionerConfig{}, path, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ProvisionerConfig{}, path, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return ProvisionerConfig{}, path, fmt.Errorf("config %s: %w", path, err)
	}
	ApplyEnv(&cfg, os.LookupEnv)
	cfg.expand()
	return cfg, path, nil
}

// Parse decodes YAML over DefaultConfig.
func Parse(data []byte) (ProvisionerConfig, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return ProvisionerConfig{}, fmt.Errorf("parse: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays PROVISIONER_* variables and OLLAMA_HOST.
func ApplyEnv(cfg *ProvisionerConfig, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("PROVISIONER_STATE_DIR", &cfg.StateDir)
	set("PROVISIONER_MANIFEST", &cfg.Manifest)
	set("PROVISIONER_LOG_LEVEL", &cfg.Log.Level)
	set("PROVISIONER_LOG_DIR", &cfg.Log.Dir)
	set("PROVISIONER_INSTALL_DIR", &cfg.App.InstallDir)
	set("PROVISIONER_REPOSITORY", &cfg.App.Repository)
	set("PROVISIONER_REF", &cfg.App.Ref)
	set("PROVISIONER_DEFAULT_ASSET", &cfg.Runtime.DefaultAsset)

	if v, ok := lookup("OLLAMA_HOST"); ok && v != "" {
		cfg.Runtime.BaseURL = runtime.NormalizeBaseURL(v)
	}
	if v, ok := lookup("PROVISIONER_RUNTIME_URL"); ok && v != "" {
		cfg.Runtime.BaseURL = runtime.NormalizeBaseURL(v)
	}
	if v, ok := lookup("PROVISIONER_MIN_FREE_MB"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Tools.MinFreeMB = n
		}
	}
}

func (c *ProvisionerConfig) expand() {
	for _, p := range []*string{
		&c.StateDir, &c.Manifest, &c.Log.Dir,
		&c.Tools.Dir, &c.Tools.BinDir,
		&c.App.InstallDir, &c.App.ConfigFile, &c.App.ConfigExample,
		&c.Runtime.LogDir,
		&c.Telemetry.TraceFile, &c.Telemetry.MetricsFile,
	} {
		*p = logging.ExpandPath(*p)
	}
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
