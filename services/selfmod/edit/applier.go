// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edit applies plan edits to a workspace.
//
// All file access goes through an afero.BasePathFs rooted at the workspace,
// so a target can never resolve outside it. The applier never stops at the
// first failing edit: every edit is attempted and every failure is reported.
package edit

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/spf13/afero"
)

const defaultFileMode os.FileMode = 0o644

// EditError describes one edit that could not be applied.
type EditError struct {
	Index   int            `json:"index"`
	Target  string         `json:"target"`
	Op      plan.Operation `json:"op"`
	Message string         `json:"message"`
}

func (e EditError) Error() string {
	return fmt.Sprintf("edit %d (%s %s): %s", e.Index, e.Op, e.Target, e.Message)
}

// Result is the outcome of applying a plan to a workspace.
type Result struct {
	// Success is true only if every edit applied.
	Success bool `json:"success"`

	// Applied counts edits that succeeded.
	Applied int `json:"applied"`

	Errors []EditError `json:"errors,omitempty"`

	// Touched lists targets changed by successful edits, first-touch order,
	// without duplicates.
	Touched []string `json:"touched,omitempty"`
}

// Messages renders every error.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Error())
	}
	return out
}

// Applier applies edits. It holds no per-call state and is safe for
// concurrent use on distinct workspaces.
type Applier struct {
	logger *slog.Logger
}

// NewApplier creates an Applier. A nil logger uses slog.Default().
func NewApplier(logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{logger: logger.With("component", "edit.Applier")}
}

// Apply applies every edit of p inside workspacePath.
//
// # Inputs
//
//   - p: Plan whose edits are applied in order.
//   - workspacePath: Workspace root; targets are relative to it.
//
// # Outputs
//
//   - *Result: Never nil. Success is false if any edit failed.
func (a *Applier) Apply(p *plan.ModificationPlan, workspacePath string) *Result {
	return a.ApplyFS(p, afero.NewBasePathFs(afero.NewOsFs(), workspacePath))
}

// ApplyFS applies edits against an arbitrary filesystem.
func (a *Applier) ApplyFS(p *plan.ModificationPlan, fsys afero.Fs) *Result {
	result := &Result{}
	if p == nil {
		result.Errors = append(result.Errors, EditError{Index: -1, Message: "plan is nil"})
		return result
	}

	seen := make(map[string]bool)
	for i, e := range p.Edits() {
		if err := applyEdit(fsys, e); err != nil {
			result.Errors = append(result.Errors, EditError{
				Index:   i,
				Target:  e.Target(),
				Op:      e.Op(),
				Message: err.Error(),
			})
			a.logger.Debug("edit failed", "plan_id", p.ID, "index", i, "target", e.Target(), "error", err)
			continue
		}
		result.Applied++
		if !seen[e.Target()] {
			seen[e.Target()] = true
			result.Touched = append(result.Touched, e.Target())
		}
	}

	result.Success = len(result.Errors) == 0
	a.logger.Info("edits applied",
		"plan_id", p.ID,
		"applied", result.Applied,
		"failed", len(result.Errors),
	)
	return result
}

func applyEdit(fsys afero.Fs, e plan.Edit) error {
	target := filepath.Clean(e.Target())
	if e.Target() == "" || target == "." {
		return errors.New("empty target")
	}

	switch p := e.Payload().(type) {
	case plan.Replace:
		return applyReplace(fsys, target, p)
	case plan.Patch:
		return applyPatch(fsys, target, p)
	case plan.Append:
		return applyAppend(fsys, target, p)
	case plan.Delete:
		return applyDelete(fsys, target)
	default:
		return fmt.Errorf("unsupported payload %T", e.Payload())
	}
}

func readRegular(fsys afero.Fs, target string) ([]byte, os.FileMode, error) {
	info, err := fsys.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%s does not exist in the workspace", target)
		}
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%s is not a regular file", target)
	}
	data, err := afero.ReadFile(fsys, target)
	if err != nil {
		return nil, 0, err
	}
	return data, info.Mode().Perm(), nil
}

func applyReplace(fsys afero.Fs, target string, p plan.Replace) error {
	if p.Search == "" {
		return errors.New("search text is empty")
	}
	data, perm, err := readRegular(fsys, target)
	if err != nil {
		return err
	}
	content := string(data)
	if !strings.Contains(content, p.Search) {
		return fmt.Errorf("search text not found in %s", target)
	}
	updated := strings.Replace(content, p.Search, p.Replacement, 1)
	return WriteFileAtomic(fsys, target, []byte(updated), perm)
}

func applyPatch(fsys afero.Fs, target string, p plan.Patch) error {
	hunks, err := parsePatch(p.Body)
	if err != nil {
		return fmt.Errorf("invalid patch: %w", err)
	}
	data, perm, err := readRegular(fsys, target)
	if err != nil {
		return err
	}
	updated, err := applyHunks(string(data), hunks)
	if err != nil {
		return fmt.Errorf("patch does not apply to %s: %w", target, err)
	}
	return WriteFileAtomic(fsys, target, []byte(updated), perm)
}

func applyAppend(fsys afero.Fs, target string, p plan.Append) error {
	info, err := fsys.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return WriteFileAtomic(fsys, target, []byte(p.Content), defaultFileMode)
	case err != nil:
		return err
	case !info.Mode().IsRegular():
		return fmt.Errorf("%s is not a regular file", target)
	}

	f, err := fsys.OpenFile(target, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(p.Content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func applyDelete(fsys afero.Fs, target string) error {
	info, err := fsys.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", target)
	}
	if err := fsys.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
