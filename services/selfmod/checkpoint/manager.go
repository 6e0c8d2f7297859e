// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint records version-control checkpoints of the live project
// tree and hard-resets the tree back to them.
//
// A checkpoint is a git commit SHA. Creating one stages everything in the
// project (except the sandbox root and state directory), commits it when
// anything changed, and returns the resulting HEAD. An empty string means no
// checkpoint could be taken; callers treat that as "no recovery point", not
// as an error.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config configures the checkpoint Manager.
type Config struct {
	// ProjectRoot is the live tree. Must be inside a git work tree.
	ProjectRoot string

	// Enabled turns version control on. When false every Checkpoint returns
	// "" and every Rollback returns false.
	Enabled bool

	// AuthorName and AuthorEmail set the committer identity.
	AuthorName  string
	AuthorEmail string

	// Timeout bounds each git command. Default: 30s.
	Timeout time.Duration

	// ExcludePaths are never staged. Absolute paths outside ProjectRoot are
	// ignored.
	ExcludePaths []string

	Logger *slog.Logger
}

// Manager creates checkpoints and performs rollbacks on the live tree.
//
// # Thread Safety
//
// Safe for concurrent use; git operations are serialized.
type Manager struct {
	config  Config
	git     GitClient
	exclude []string
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewManager creates a Manager backed by the git command line.
//
// # Inputs
//
//   - config: Manager configuration. ProjectRoot is required.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager.
//   - error: Non-nil if ProjectRoot is missing or cannot be resolved.
func NewManager(config Config) (*Manager, error) {
	if config.ProjectRoot == "" {
		return nil, fmt.Errorf("ProjectRoot is required")
	}
	absPath, err := filepath.Abs(config.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	config.ProjectRoot = absPath

	git, err := NewGitClient(absPath, config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("creating git client: %w", err)
	}
	return NewManagerWithGit(config, git.WithIdentity(config.AuthorName, config.AuthorEmail))
}

// NewManagerWithGit creates a manager with a custom git client (for testing).
func NewManagerWithGit(config Config, git GitClient) (*Manager, error) {
	if config.ProjectRoot == "" {
		return nil, fmt.Errorf("ProjectRoot is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		config:  config,
		git:     git,
		exclude: relativeExcludes(config.ProjectRoot, config.ExcludePaths),
		logger:  logger.With("component", "checkpoint.Manager"),
	}, nil
}

// Enabled reports whether version control is turned on.
func (m *Manager) Enabled() bool {
	return m.config.Enabled
}

// Checkpoint records the current state of the live tree.
//
// # Description
//
// Stages all changes (minus excluded paths) and commits them with message
// when anything is staged. With nothing to commit, the current HEAD is the
// checkpoint.
//
// # Inputs
//
//   - ctx: Context for timeout and cancellation.
//   - message: Commit message.
//
// # Outputs
//
//   - string: Commit SHA, or "" when disabled or on any failure.
func (m *Manager) Checkpoint(ctx context.Context, message string) string {
	if !m.config.Enabled {
		return ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.git.IsGitRepository(ctx) {
		m.logger.Warn("checkpoint skipped: not a git repository",
			"project_root", m.config.ProjectRoot)
		return ""
	}

	if err := m.git.AddAll(ctx, m.exclude...); err != nil {
		m.logger.Warn("checkpoint failed: staging", "error", err)
		return ""
	}

	if m.git.HasStagedChanges(ctx) {
		if err := m.git.Commit(ctx, message); err != nil {
			m.logger.Warn("checkpoint failed: commit", "error", err)
			return ""
		}
	}

	sha, err := m.git.RevParse(ctx, "HEAD")
	if err != nil {
		m.logger.Warn("checkpoint failed: resolving HEAD", "error", err)
		return ""
	}

	m.logger.Info("checkpoint created", "ref", sha, "message", message)
	return sha
}

// Rollback hard-resets the live tree to ref.
//
// # Description
//
// Runs `git reset --hard ref`. Resetting to the same ref twice leaves the
// tree in the same state as resetting once. Never panics.
//
// # Outputs
//
//   - bool: True on success; false when disabled, ref is empty, or git fails.
func (m *Manager) Rollback(ctx context.Context, ref string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("rollback panicked", "ref", ref, "panic", r)
			ok = false
		}
	}()

	if !m.config.Enabled || strings.TrimSpace(ref) == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.git.ResetHard(ctx, ref); err != nil {
		m.logger.Error("rollback failed", "ref", ref, "error", err)
		return false
	}

	m.logger.Info("rolled back live tree", "ref", ref)
	return true
}

// relativeExcludes converts exclude paths to repository-relative pathspecs,
// dropping any that fall outside root.
func relativeExcludes(root string, paths []string) []string {
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		out = append(out, rel)
	}
	return out
}
