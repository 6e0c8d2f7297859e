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
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration for a project.
//
// # Description
//
// When path is empty, "<dir>/selfmod.yaml" is used if it exists and the
// defaults otherwise. An explicit path must exist. Environment overrides
// are applied after the file, then paths are resolved and the result is
// validated.
//
// # Inputs
//
//   - path: Config file path, or "" to look in dir.
//   - dir: Directory used for discovery and as the base for a relative
//     project_root when no file is found.
//
// # Outputs
//
//   - *Config: Resolved, validated configuration.
//   - error: Read, parse or validation failure.
func Load(path, dir string) (*Config, error) {
	cfg := DefaultConfig()
	base := dir

	if path == "" {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		base = filepath.Dir(path)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Resolve(base); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Resolve makes every path absolute. project_root is relative to base;
// sandbox_root, state_dir, history.path, inbox.dir and logging.dir are
// relative to the project root.
func (c *Config) Resolve(base string) error {
	root := c.ProjectRoot
	if root == "" {
		root = "."
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(base, root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving project root: %w", err)
	}
	c.ProjectRoot = abs

	c.SandboxRoot = c.underRoot(c.SandboxRoot)
	c.StateDir = c.underRoot(c.StateDir)

	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.StateDir, "history")
	}
	c.History.Path = c.underRoot(c.History.Path)

	if c.Inbox.Dir == "" {
		c.Inbox.Dir = filepath.Join(c.StateDir, "inbox")
	}
	c.Inbox.Dir = c.underRoot(c.Inbox.Dir)

	if c.Logging.Dir != "" && !strings.HasPrefix(c.Logging.Dir, "~") {
		c.Logging.Dir = c.underRoot(c.Logging.Dir)
	}
	return nil
}

func (c *Config) underRoot(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !c.SkipRuntimeCheck && len(c.RuntimeCommand) == 0 && c.Invariants != nil {
		return fmt.Errorf("%w: invariants need a runtime_command", ErrInvalid)
	}
	if c.Server.ApplyRate > 0 && c.Server.ApplyBurst == 0 {
		return fmt.Errorf("%w: server.apply_burst must be positive when apply_rate is set", ErrInvalid)
	}
	if c.Inbox.Rate > 0 && c.Inbox.Burst == 0 {
		return fmt.Errorf("%w: inbox.burst must be positive when rate is set", ErrInvalid)
	}
	return nil
}

// ApplyEnv overrides cfg from SELFMOD_* environment variables.
//
// Recognized variables: SELFMOD_PROJECT_ROOT, SELFMOD_SANDBOX_ROOT,
// SELFMOD_STATE_DIR, SELFMOD_VERSION_CONTROL, SELFMOD_MAX_EDITS,
// SELFMOD_BUILD_TIMEOUT, SELFMOD_TEST_TIMEOUT, SELFMOD_RUNTIME_DURATION,
// SELFMOD_SKIP_TESTS, SELFMOD_SKIP_RUNTIME_CHECK,
// SELFMOD_ROLLBACK_ON_REBUILD_FAILURE, SELFMOD_LOG_LEVEL, SELFMOD_LOG_JSON,
// SELFMOD_SERVER_ADDR, SELFMOD_JWT_SECRET, SELFMOD_HISTORY_IN_MEMORY.
func ApplyEnv(cfg *Config) error {
	e := envReader{}

	e.str("SELFMOD_PROJECT_ROOT", &cfg.ProjectRoot)
	e.str("SELFMOD_SANDBOX_ROOT", &cfg.SandboxRoot)
	e.str("SELFMOD_STATE_DIR", &cfg.StateDir)
	e.boolean("SELFMOD_VERSION_CONTROL", &cfg.VersionControl)
	e.integer("SELFMOD_MAX_EDITS", &cfg.MaxEdits)
	e.duration("SELFMOD_BUILD_TIMEOUT", &cfg.BuildTimeout)
	e.duration("SELFMOD_TEST_TIMEOUT", &cfg.TestTimeout)
	e.duration("SELFMOD_RUNTIME_DURATION", &cfg.RuntimeDuration)
	e.boolean("SELFMOD_SKIP_TESTS", &cfg.SkipTests)
	e.boolean("SELFMOD_SKIP_RUNTIME_CHECK", &cfg.SkipRuntimeCheck)
	e.boolean("SELFMOD_ROLLBACK_ON_REBUILD_FAILURE", &cfg.RollbackOnRebuildFailure)
	e.str("SELFMOD_LOG_LEVEL", &cfg.Logging.Level)
	e.boolean("SELFMOD_LOG_JSON", &cfg.Logging.JSON)
	e.str("SELFMOD_SERVER_ADDR", &cfg.Server.Addr)
	e.str("SELFMOD_JWT_SECRET", &cfg.Server.JWTSecret)
	e.boolean("SELFMOD_HISTORY_IN_MEMORY", &cfg.History.InMemory)

	return errors.Join(e.errs...)
}

type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
