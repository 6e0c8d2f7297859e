// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package app

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/selfmod/services/selfmod/config"
	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/AleutianAI/selfmod/services/selfmod/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, git bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.txt"), []byte("hello world\n"), 0o644))

	if git {
		if _, err := exec.LookPath("git"); err != nil {
			t.Skip("git not available")
		}
		for _, args := range [][]string{
			{"init", "-b", "main"},
			{"config", "user.email", "test@test.com"},
			{"config", "user.name", "Test"},
			{"add", "."},
			{"commit", "-m", "initial"},
		} {
			cmd := exec.Command("git", args...)
			cmd.Dir = dir
			out, err := cmd.CombinedOutput()
			require.NoError(t, err, "git %v: %s", args, out)
		}
	}

	cfg := config.DefaultConfig()
	cfg.VersionControl = git
	cfg.BuildCommand = []string{"grep", "-q", "hello", "app.txt"}
	cfg.SkipTests = true
	cfg.AutoProvision = false
	cfg.History.InMemory = true
	cfg.Telemetry.MetricExporter = "none"
	require.NoError(t, cfg.Resolve(dir))
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestNew_AppliesAndRecordsHistory(t *testing.T) {
	cfg := testConfig(t, true)
	rec := events.NewRecorder()

	a, err := New(cfg, nil, WithSink(rec))
	require.NoError(t, err)
	defer a.Close()

	p := plan.New("greet", "", plan.NewReplace("app.txt", "world", "there", "wording"))
	res, err := a.Orchestrator.Apply(context.Background(), p)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.PreCheckpoint)
	assert.NotEmpty(t, res.PostCheckpoint)

	data, err := os.ReadFile(filepath.Join(cfg.ProjectRoot, "app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello there\n", string(data))

	require.NotNil(t, a.History)
	stored, err := a.History.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.True(t, stored.Success)

	assert.NotEmpty(t, rec.ByType(events.TypeRunFinished))
	assert.NotEmpty(t, a.Events.RecentForRun(res.RunID))
}

func TestNew_HistoryDisabledWithoutGit(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.History.Disabled = true

	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.History)
	assert.False(t, a.Checkpoints.Enabled())

	res, err := a.Orchestrator.Apply(context.Background(),
		plan.New("bad", "", plan.NewReplace("app.txt", "missing", "x", "")))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.PreCheckpoint)
}

func TestNew_GuardRejectsGitignoredTargets(t *testing.T) {
	cfg := testConfig(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ProjectRoot, ".gitignore"), []byte(".env\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ProjectRoot, ".env"), []byte("TOKEN=1\n"), 0o644))

	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Orchestrator.Apply(context.Background(),
		plan.New("env", "", plan.NewAppend(".env", "DEBUG=1\n", "")))
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.PolicyViolations, 1)
	assert.Equal(t, policy.CodeExcludedPath, res.PolicyViolations[0].Code)

	data, err := os.ReadFile(filepath.Join(cfg.ProjectRoot, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "TOKEN=1\n", string(data))
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
