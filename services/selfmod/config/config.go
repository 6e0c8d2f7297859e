// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads selfmod.yaml.
//
// Values come from three layers, later ones winning: DefaultConfig, the
// YAML file, and SELFMOD_* environment variables. Relative paths are
// resolved by Resolve: project_root against the config file's directory,
// everything else against the project root.
package config

import (
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
	"github.com/AleutianAI/selfmod/services/selfmod/telemetry"
)

// FileName is the conventional config file name in a project root.
const FileName = "selfmod.yaml"

// Config is the full selfmod configuration.
type Config struct {
	// ProjectRoot is the live tree being modified.
	ProjectRoot string `yaml:"project_root" validate:"required"`

	// SandboxRoot holds workspaces. Default: .selfmod/sandboxes.
	SandboxRoot string `yaml:"sandbox_root" validate:"required"`

	// StateDir holds history, inbox and logs. Default: .selfmod/state.
	StateDir string `yaml:"state_dir" validate:"required"`

	VersionControl bool          `yaml:"version_control"`
	GitAuthorName  string        `yaml:"git_author_name"`
	GitAuthorEmail string        `yaml:"git_author_email"`
	GitTimeout     time.Duration `yaml:"git_timeout" validate:"gte=0"`

	MaxEdits       int      `yaml:"max_edits" validate:"gte=0"`
	ProtectedPaths []string `yaml:"protected_paths"`
	ScanSecrets    bool     `yaml:"scan_secrets"`

	BuildCommand     []string `yaml:"build_command"`
	TestCommand      []string `yaml:"test_command"`
	RuntimeCommand   []string `yaml:"runtime_command"`
	ProvisionCommand []string `yaml:"provision_command"`
	AutoProvision    bool     `yaml:"auto_provision"`
	RespectGitignore bool     `yaml:"respect_gitignore"`

	BuildTimeout     time.Duration `yaml:"build_timeout" validate:"gte=0"`
	TestTimeout      time.Duration `yaml:"test_timeout" validate:"gte=0"`
	RuntimeDuration  time.Duration `yaml:"runtime_duration" validate:"gte=0"`
	InvariantTimeout time.Duration `yaml:"invariant_timeout" validate:"gte=0"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout" validate:"gte=0"`

	SkipTests        bool `yaml:"skip_tests"`
	SkipRuntimeCheck bool `yaml:"skip_runtime_check"`

	RebuildCommand           []string      `yaml:"rebuild_command"`
	RebuildTimeout           time.Duration `yaml:"rebuild_timeout" validate:"gte=0"`
	RollbackOnRebuildFailure bool          `yaml:"rollback_on_rebuild_failure"`

	// Invariants enables the threshold checker. Nil means no invariants.
	Invariants *invariant.Thresholds `yaml:"invariants,omitempty"`

	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	History   HistoryConfig    `yaml:"history"`
	Server    ServerConfig     `yaml:"server"`
	Inbox     InboxConfig      `yaml:"inbox"`
}

// LoggingConfig maps onto logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Dir enables file logging. Empty disables it.
	Dir string `yaml:"dir"`

	JSON  bool `yaml:"json"`
	Quiet bool `yaml:"quiet"`
}

// HistoryConfig controls persistent run history.
type HistoryConfig struct {
	// Disabled keeps history in memory only.
	Disabled bool `yaml:"disabled"`

	// Path is the badger directory. Default: <state_dir>/history.
	Path string `yaml:"path"`

	InMemory bool `yaml:"in_memory"`

	// Keep bounds the number of stored runs after each prune. Zero keeps
	// everything.
	Keep int `yaml:"keep" validate:"gte=0"`
}

// ServerConfig controls `selfmod serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`

	// JWTSecret enables bearer-token auth on mutating endpoints. Empty
	// disables auth.
	JWTSecret string `yaml:"jwt_secret"`

	// ApplyRate is the sustained apply requests per second; ApplyBurst the
	// bucket size.
	ApplyRate  float64 `yaml:"apply_rate" validate:"gte=0"`
	ApplyBurst int     `yaml:"apply_burst" validate:"gte=0"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// InboxConfig controls the plan inbox watched by `selfmod serve`.
type InboxConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is watched for plan documents. Default: <state_dir>/inbox.
	Dir string `yaml:"dir"`

	// Rate is plans processed per second; Burst the bucket size.
	Rate  float64 `yaml:"rate" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// DefaultConfig returns the configuration used when selfmod.yaml is
// absent. Paths are relative until Resolve is called.
func DefaultConfig() Config {
	tel := telemetry.DefaultConfig()
	return Config{
		ProjectRoot:      ".",
		SandboxRoot:      ".selfmod/sandboxes",
		StateDir:         ".selfmod/state",
		VersionControl:   true,
		GitAuthorName:    "selfmod",
		GitAuthorEmail:   "selfmod@localhost",
		GitTimeout:       30 * time.Second,
		MaxEdits:         50,
		ScanSecrets:      true,
		BuildCommand:     []string{"go", "build", "./..."},
		TestCommand:      []string{"go", "test", "./..."},
		AutoProvision:    true,
		RespectGitignore: true,
		BuildTimeout:     5 * time.Minute,
		TestTimeout:      10 * time.Minute,
		RuntimeDuration:  10 * time.Second,
		InvariantTimeout: 30 * time.Second,
		SkipRuntimeCheck: true,
		RebuildTimeout:   5 * time.Minute,
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: tel,
		History: HistoryConfig{
			Keep: 1000,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8088",
			ApplyRate:       1,
			ApplyBurst:      2,
			ShutdownTimeout: 10 * time.Second,
		},
		Inbox: InboxConfig{
			Rate:  0.2,
			Burst: 1,
		},
	}
}
