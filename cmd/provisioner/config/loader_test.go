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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "deep", ".provisioner", "provisioner.yaml")

	require.NoError(t, createDefault(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var cfg ProvisionerConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, CurrentConfigVersion, cfg.Meta.Version)
	assert.Equal(t, "tinyllama", cfg.Runtime.DefaultAsset)
	assert.Equal(t, "http://localhost:11434", cfg.Runtime.BaseURL)
	assert.Equal(t, []string{"--help"}, cfg.App.SelfTestArgs)
}

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OLLAMA_HOST", "")

	cfg, path, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".provisioner", "provisioner.yaml"), path)
	assert.FileExists(t, path)
	assert.Equal(t, filepath.Join(home, ".provisioner"), cfg.StateDir)
	assert.Equal(t, filepath.Join(home, "trading_bot"), cfg.App.InstallDir)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  repository: https://example.com/bot.git
  install_dir: /opt/bot
runtime:
  additional_assets: [llama3]
`), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/bot.git", cfg.App.Repository)
	assert.Equal(t, "/opt/bot", cfg.App.InstallDir)
	assert.Equal(t, "main", cfg.App.Ref)
	assert.Equal(t, "tinyllama", cfg.Runtime.DefaultAsset)
	assert.Equal(t, []string{"llama3"}, cfg.Runtime.AdditionalAssets)
	assert.NoError(t, cfg.Validate(true))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"empty", "", false},
		{"known fields", "log:\n  level: debug\n", false},
		{"unknown field", "log:\n  colour: blue\n", true},
		{"bad type", "tools:\n  min_free_mb: lots\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PROVISIONER_LOG_LEVEL":   "debug",
		"PROVISIONER_INSTALL_DIR": "/srv/bot",
		"PROVISIONER_MIN_FREE_MB": "512",
		"OLLAMA_HOST":             "0.0.0.0:9999",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	ApplyEnv(&cfg, lookup)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/srv/bot", cfg.App.InstallDir)
	assert.Equal(t, int64(512), cfg.Tools.MinFreeMB)
	assert.Equal(t, "http://0.0.0.0:9999", cfg.Runtime.BaseURL)

	env["PROVISIONER_RUNTIME_URL"] = "http://runtime:11434/"
	ApplyEnv(&cfg, lookup)
	assert.Equal(t, "http://runtime:11434", cfg.Runtime.BaseURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*ProvisionerConfig)
		needsApp bool
		wantErr  string
	}{
		{"defaults without app", func(*ProvisionerConfig) {}, false, ""},
		{"defaults need repository", func(*ProvisionerConfig) {}, true, "app.repository"},
		{"negative disk", func(c *ProvisionerConfig) { c.Tools.MinFreeMB = -1 }, false, "min_free_mb"},
		{"bad level", func(c *ProvisionerConfig) { c.Log.Level = "loud" }, false, "log.level"},
		{"no install dir", func(c *ProvisionerConfig) { c.App.InstallDir = "" }, false, "install_dir"},
		{"empty compile", func(c *ProvisionerConfig) {
			c.App.Repository = "r"
			c.App.CompileArgv = nil
		}, true, "compile_argv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(tt.needsApp)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
