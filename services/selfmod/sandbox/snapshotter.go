// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox creates and destroys isolated copies of the project tree.
//
// A workspace is a plain directory under the sandbox root holding a copy of
// the live tree minus version-control metadata, dependency caches and build
// artifacts. Dependencies are provisioned inside the copy so verification
// never touches the live tree.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/mod/modfile"
)

// DefaultExcludes are skipped in every workspace copy.
var DefaultExcludes = []string{
	".git/",
	"node_modules/",
	"vendor/",
	".venv/",
	"__pycache__/",
	"bin/",
	"dist/",
	"build/",
	"target/",
}

const (
	workspacePrefix = "ws-"
	outputTailBytes = 4096
)

// Config configures a Snapshotter.
type Config struct {
	// ProjectRoot is the live tree to copy. Required.
	ProjectRoot string

	// SandboxRoot holds workspaces. Required. Created if missing.
	SandboxRoot string

	// StateDir is excluded from copies when it lives inside the project.
	StateDir string

	// RespectGitignore adds the project's .gitignore rules to the excludes.
	RespectGitignore bool

	// ExtraExcludes are additional gitignore-style patterns.
	ExtraExcludes []string

	// ProvisionCommand runs inside the workspace after copying. When empty
	// and AutoProvision is set, Go projects get "go mod download".
	ProvisionCommand []string
	AutoProvision    bool

	// ProvisionTimeout bounds the installer. Zero leaves it bounded only by
	// the installer itself.
	ProvisionTimeout time.Duration

	Logger *slog.Logger
}

// Snapshotter creates workspaces.
//
// # Thread Safety
//
// Safe for concurrent use; each Create gets its own directory.
type Snapshotter struct {
	root        string
	sandboxRoot string
	skipDirs    map[string]bool
	matcher     *ignore.GitIgnore
	provision   []string
	auto        bool
	timeout     time.Duration
	logger      *slog.Logger
}

// New validates the configuration and compiles the exclusion rules.
func New(cfg Config) (*Snapshotter, error) {
	if cfg.ProjectRoot == "" || cfg.SandboxRoot == "" {
		return nil, errors.New("sandbox: project root and sandbox root are required")
	}
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	sandboxRoot := cfg.SandboxRoot
	if !filepath.IsAbs(sandboxRoot) {
		sandboxRoot = filepath.Join(root, sandboxRoot)
	}
	sandboxRoot = filepath.Clean(sandboxRoot)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Snapshotter{
		root:        root,
		sandboxRoot: sandboxRoot,
		skipDirs:    map[string]bool{sandboxRoot: true},
		provision:   cfg.ProvisionCommand,
		auto:        cfg.AutoProvision,
		timeout:     cfg.ProvisionTimeout,
		logger:      logger.With("component", "sandbox.Snapshotter"),
	}
	if cfg.StateDir != "" {
		stateDir := cfg.StateDir
		if !filepath.IsAbs(stateDir) {
			stateDir = filepath.Join(root, stateDir)
		}
		s.skipDirs[filepath.Clean(stateDir)] = true
	}

	lines := append([]string{}, DefaultExcludes...)
	lines = append(lines, cfg.ExtraExcludes...)
	if cfg.RespectGitignore {
		if rules, err := readIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
			lines = append(lines, rules...)
		}
	}
	s.matcher = ignore.CompileIgnoreLines(lines...)

	return s, nil
}

// SandboxRoot returns the absolute directory holding workspaces.
func (s *Snapshotter) SandboxRoot() string {
	return s.sandboxRoot
}

// Create copies the live tree into a fresh workspace and provisions it.
//
// # Description
//
// The workspace directory is created with os.MkdirTemp so concurrent calls
// never collide. On any failure the partial directory is removed before
// returning.
//
// # Outputs
//
//   - *Workspace: Active workspace. The caller must Destroy it.
//   - error: Copy or provisioning failure. Wraps ErrInstallerNotFound or
//     ErrProvisionFailed for provisioning problems.
func (s *Snapshotter) Create(ctx context.Context) (_ *Workspace, err error) {
	if err := os.MkdirAll(s.sandboxRoot, 0750); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	dir, err := os.MkdirTemp(s.sandboxRoot, workspacePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}

	w := &Workspace{
		ID:        filepath.Base(dir),
		Path:      dir,
		CreatedAt: time.Now(),
		state:     StateCreated,
	}

	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				s.logger.Warn("failed to remove partial workspace", "path", dir, "error", rmErr)
			}
			w.setState(StateDestroyed)
		}
	}()

	files, err := s.copyTree(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("copying project into workspace: %w", err)
	}
	w.Files = files

	if err := s.provisionWorkspace(ctx, dir); err != nil {
		return nil, err
	}

	w.setState(StateActive)
	s.logger.Info("workspace created",
		"workspace", w.ID,
		"files", files,
		"duration_ms", time.Since(w.CreatedAt).Milliseconds(),
	)
	return w, nil
}

// Destroy removes the workspace directory. Destroying an already destroyed
// workspace is a no-op.
func (s *Snapshotter) Destroy(ws *Workspace) error {
	if ws == nil || ws.State() == StateDestroyed {
		return nil
	}
	if err := s.DestroyPath(ws.Path); err != nil {
		return err
	}
	ws.setState(StateDestroyed)
	s.logger.Debug("workspace destroyed", "workspace", ws.ID)
	return nil
}

// DestroyPath removes a workspace directory by path. The path must be a
// direct child of the sandbox root. Missing directories are not an error.
func (s *Snapshotter) DestroyPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving workspace path: %w", err)
	}
	if filepath.Dir(abs) != s.sandboxRoot || !strings.HasPrefix(filepath.Base(abs), workspacePrefix) {
		return fmt.Errorf("%w: %s", ErrOutsideSandbox, path)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("removing workspace %s: %w", abs, err)
	}
	return nil
}

// Prune removes leftover workspaces, typically from a crashed process.
//
// Outputs:
//
//	int - Number of workspaces removed.
//	error - Non-nil if the sandbox root cannot be listed.
func (s *Snapshotter) Prune() (int, error) {
	entries, err := os.ReadDir(s.sandboxRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing sandbox root: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workspacePrefix) {
			continue
		}
		if err := s.DestroyPath(filepath.Join(s.sandboxRoot, entry.Name())); err != nil {
			s.logger.Warn("failed to prune workspace", "workspace", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("pruned stale workspaces", "count", removed)
	}
	return removed, nil
}

// Excluded reports whether a project-relative path would be left out of a
// workspace copy.
func (s *Snapshotter) Excluded(rel string, isDir bool) bool {
	if s.skipDirs[filepath.Join(s.root, rel)] {
		return true
	}
	slashed := filepath.ToSlash(rel)
	if isDir {
		return s.matcher.MatchesPath(slashed + "/")
	}
	return s.matcher.MatchesPath(slashed)
}

func (s *Snapshotter) copyTree(ctx context.Context, dst string) (int, error) {
	files := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if s.skipDirs[path] || s.Excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			return os.MkdirAll(target, mode.Perm()|0700)
		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			files++
			return os.Symlink(link, target)
		case mode.IsRegular():
			files++
			return copyFile(path, target, mode.Perm())
		default:
			// Sockets, devices and pipes are not part of a source tree.
			return nil
		}
	})
	return files, err
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile applies the umask; restore the exact source bits.
	return os.Chmod(dst, perm)
}

// provisionCommand decides which installer, if any, runs in the workspace.
func (s *Snapshotter) provisionCommand(dir string) ([]string, error) {
	if len(s.provision) > 0 {
		return s.provision, nil
	}
	if !s.auto {
		return nil, nil
	}
	content, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading go.mod: %w", err)
	}
	f, err := modfile.ParseLax("go.mod", content, nil)
	if err != nil {
		return nil, fmt.Errorf("parse go.mod: %w", err)
	}
	if len(f.Require) == 0 {
		return nil, nil
	}
	return []string{"go", "mod", "download"}, nil
}

func (s *Snapshotter) provisionWorkspace(ctx context.Context, dir string) error {
	argv, err := s.provisionCommand(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	if len(argv) == 0 {
		return nil
	}

	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallerNotFound, argv[0], err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", s.timeout)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrProvisionFailed, strings.Join(argv, " "), err, tail(output.Bytes()))
	}
	s.logger.Info("workspace provisioned",
		"command", strings.Join(argv, " "),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func tail(b []byte) string {
	if len(b) > outputTailBytes {
		b = b[len(b)-outputTailBytes:]
	}
	return strings.TrimSpace(string(b))
}

func readIgnoreFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\n"), nil
}
