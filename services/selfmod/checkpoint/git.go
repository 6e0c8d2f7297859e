// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// GitClient is the subset of git the checkpoint manager needs.
//
// Implementations must be safe for concurrent use.
type GitClient interface {
	IsGitRepository(ctx context.Context) bool
	RevParse(ctx context.Context, ref string) (string, error)
	AddAll(ctx context.Context, exclude ...string) error
	HasStagedChanges(ctx context.Context) bool
	Commit(ctx context.Context, message string) error
	ResetHard(ctx context.Context, ref string) error
}

// DefaultGitClient implements GitClient using the git command line.
//
// # Description
//
// Executes git commands with a per-command timeout in the configured
// repository. When an identity is set, every command carries
// `-c user.name=... -c user.email=...` so commits work on machines without a
// global git configuration.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type DefaultGitClient struct {
	repoPath    string
	timeout     time.Duration
	authorName  string
	authorEmail string
}

// NewGitClient creates a new git client for the specified repository.
//
// # Inputs
//
//   - repoPath: Absolute path to the git repository.
//   - timeout: Maximum duration for each git operation. Default: 30s.
//
// # Outputs
//
//   - *DefaultGitClient: Ready-to-use git client.
//   - error: Non-nil if repoPath is not absolute.
func NewGitClient(repoPath string, timeout time.Duration) (*DefaultGitClient, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &DefaultGitClient{
		repoPath: repoPath,
		timeout:  timeout,
	}, nil
}

// WithIdentity returns a copy of the client that commits as name <email>.
// Empty values leave the repository's own configuration in effect.
func (g *DefaultGitClient) WithIdentity(name, email string) *DefaultGitClient {
	c := *g
	c.authorName = name
	c.authorEmail = email
	return &c
}

// run executes a git command and returns trimmed stdout.
func (g *DefaultGitClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	full := make([]string, 0, len(args)+4)
	if g.authorName != "" {
		full = append(full, "-c", "user.name="+g.authorName)
	}
	if g.authorEmail != "" {
		full = append(full, "-c", "user.email="+g.authorEmail)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}

// runSilent executes a git command and returns only success/failure.
func (g *DefaultGitClient) runSilent(ctx context.Context, args ...string) error {
	_, err := g.run(ctx, args...)
	return err
}

// IsGitRepository reports whether the path is inside a git work tree.
func (g *DefaultGitClient) IsGitRepository(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RevParse resolves a git ref to a full commit SHA.
//
// # Inputs
//
//   - ctx: Context for timeout and cancellation.
//   - ref: Git reference to resolve.
//
// # Outputs
//
//   - string: Full commit SHA.
//   - error: Non-nil if ref doesn't exist.
func (g *DefaultGitClient) RevParse(ctx context.Context, ref string) (string, error) {
	sha, err := g.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving ref %s: %w", ref, err)
	}
	return sha, nil
}

// AddAll stages every tracked and untracked change except the excluded
// paths, which are given relative to the repository root.
func (g *DefaultGitClient) AddAll(ctx context.Context, exclude ...string) error {
	args := []string{"add", "-A", "--", "."}
	for _, p := range exclude {
		if p == "" {
			continue
		}
		args = append(args, ":(exclude)"+filepath.ToSlash(p))
	}
	return g.runSilent(ctx, args...)
}

// HasStagedChanges reports whether the index differs from HEAD.
func (g *DefaultGitClient) HasStagedChanges(ctx context.Context) bool {
	output, err := g.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return false
	}
	return output != ""
}

// Commit creates a new commit with the staged changes.
func (g *DefaultGitClient) Commit(ctx context.Context, message string) error {
	return g.runSilent(ctx, "commit", "--no-verify", "-m", message)
}

// ResetHard resets the index and work tree to ref.
func (g *DefaultGitClient) ResetHard(ctx context.Context, ref string) error {
	return g.runSilent(ctx, "reset", "--hard", ref)
}
