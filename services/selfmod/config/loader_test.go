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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load("", dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(dir, ".selfmod", "sandboxes"), cfg.SandboxRoot)
	assert.Equal(t, filepath.Join(dir, ".selfmod", "state"), cfg.StateDir)
	assert.Equal(t, filepath.Join(dir, ".selfmod", "state", "history"), cfg.History.Path)
	assert.Equal(t, filepath.Join(dir, ".selfmod", "state", "inbox"), cfg.Inbox.Dir)
	assert.True(t, cfg.VersionControl)
	assert.Equal(t, 50, cfg.MaxEdits)
	assert.Equal(t, 5*time.Minute, cfg.BuildTimeout)
	assert.Zero(t, cfg.ProvisionTimeout)
	assert.False(t, cfg.RollbackOnRebuildFailure)
	assert.Nil(t, cfg.Invariants)
}

func TestLoad_DiscoversFileInDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), `
max_edits: 3
version_control: false
build_timeout: 90s
skip_tests: true
build_command: ["make", "build"]
rollback_on_rebuild_failure: true
`)

	cfg, err := Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxEdits)
	assert.False(t, cfg.VersionControl)
	assert.Equal(t, 90*time.Second, cfg.BuildTimeout)
	assert.True(t, cfg.SkipTests)
	assert.Equal(t, []string{"make", "build"}, cfg.BuildCommand)
	assert.True(t, cfg.RollbackOnRebuildFailure)
	// Unset keys keep their defaults.
	assert.Equal(t, 10*time.Minute, cfg.TestTimeout)
}

func TestLoad_ProjectRootRelativeToConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "selfmod.yaml")
	writeFile(t, path, "project_root: ../app\nsandbox_root: /tmp/selfmod-sandboxes\n")

	cfg, err := Load(path, "/somewhere/else")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "app"), cfg.ProjectRoot)
	assert.Equal(t, "/tmp/selfmod-sandboxes", cfg.SandboxRoot)
	assert.Equal(t, filepath.Join(dir, "app", ".selfmod", "state"), cfg.StateDir)
}

func TestLoad_Invariants(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), `
skip_runtime_check: false
runtime_command: ["./app", "--serve"]
invariants:
  min_energy: 0.2
  min_responsive_ratio: 0.5
`)

	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.NotNil(t, cfg.Invariants)
	assert.InDelta(t, 0.2, cfg.Invariants.MinEnergy, 1e-9)
	assert.InDelta(t, 0.5, cfg.Invariants.MinResponsiveRatio, 1e-9)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: "max_edit: 3\n",
			wantErr: "field max_edit not found",
		},
		{
			name:    "negative max edits",
			content: "max_edits: -1\n",
			wantErr: "MaxEdits",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: loud\n",
			wantErr: "Level",
		},
		{
			name:    "threshold out of range",
			content: "skip_runtime_check: false\nruntime_command: [x]\ninvariants:\n  min_energy: 2\n",
			wantErr: "MinEnergy",
		},
		{
			name:    "invariants without runtime command",
			content: "skip_runtime_check: false\ninvariants:\n  min_energy: 0.1\n",
			wantErr: "invariants need a runtime_command",
		},
		{
			name:    "bad duration",
			content: "build_timeout: soon\n",
			wantErr: "time.Duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, FileName), tt.content)

			_, err := Load("", dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read the config file")
}

func TestLoad_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), "")

	cfg, err := Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxEdits)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SELFMOD_MAX_EDITS", "7")
	t.Setenv("SELFMOD_VERSION_CONTROL", "false")
	t.Setenv("SELFMOD_TEST_TIMEOUT", "2m")
	t.Setenv("SELFMOD_LOG_LEVEL", "debug")
	t.Setenv("SELFMOD_JWT_SECRET", "s3cret")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, 7, cfg.MaxEdits)
	assert.False(t, cfg.VersionControl)
	assert.Equal(t, 2*time.Minute, cfg.TestTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
}

func TestApplyEnv_Overrides_File(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), "max_edits: 3\n")
	t.Setenv("SELFMOD_MAX_EDITS", "9")

	cfg, err := Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxEdits)
}

func TestApplyEnv_BadValues(t *testing.T) {
	t.Setenv("SELFMOD_MAX_EDITS", "many")
	t.Setenv("SELFMOD_SKIP_TESTS", "perhaps")

	cfg := DefaultConfig()
	err := ApplyEnv(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SELFMOD_MAX_EDITS")
	assert.Contains(t, err.Error(), "SELFMOD_SKIP_TESTS")
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", FileName)

	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, DefaultConfig().BuildCommand, cfg.BuildCommand)
	assert.Equal(t, DefaultConfig().BuildTimeout, cfg.BuildTimeout)

	err = WriteDefault(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
