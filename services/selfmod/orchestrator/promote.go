// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/AleutianAI/selfmod/services/selfmod/edit"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/afero"
)

// promotion copies verified workspace files onto the live tree.
type promotion struct {
	workspace afero.Fs
	live      afero.Fs
	dmp       *diffmatchpatch.DiffMatchPatch

	// held lists the targets present in the workspace before any edit.
	held map[string]bool
}

func newPromotion(workspacePath, projectRoot string, held map[string]bool) *promotion {
	osFs := afero.NewOsFs()
	return &promotion{
		workspace: afero.NewReadOnlyFs(afero.NewBasePathFs(osFs, workspacePath)),
		live:      afero.NewBasePathFs(osFs, projectRoot),
		dmp:       diffmatchpatch.New(),
		held:      held,
	}
}

// heldTargets records which targets of p exist in a fresh workspace.
func heldTargets(workspacePath string, p *plan.ModificationPlan) map[string]bool {
	ws := afero.NewBasePathFs(afero.NewOsFs(), workspacePath)
	held := make(map[string]bool)
	for _, e := range p.Edits() {
		if _, err := ws.Stat(e.Target()); err == nil {
			held[e.Target()] = true
		}
	}
	return held
}

// run promotes every distinct target of p in plan order. The final
// workspace state of a target decides what happens: a file present in the
// workspace is written to the live tree with temp-file-and-rename, a file
// absent from the workspace is removed from the live tree.
//
// Before writing anything, run refuses targets that exist on the live tree
// but were absent from the workspace before the edits (ErrNotInWorkspace).
//
// On error the returned slices describe the files already promoted.
func (pr *promotion) run(p *plan.ModificationPlan) (promoted []string, changes []FileChange, err error) {
	var targets []string
	seen := make(map[string]bool)
	for _, e := range p.Edits() {
		if !seen[e.Target()] {
			seen[e.Target()] = true
			targets = append(targets, e.Target())
		}
	}

	for _, target := range targets {
		if pr.held == nil || pr.held[target] {
			continue
		}
		if _, err := pr.live.Stat(target); err == nil {
			return nil, nil, fmt.Errorf("promoting %s: %w", target, ErrNotInWorkspace)
		}
	}

	for _, target := range targets {
		change, err := pr.promoteFile(target)
		if err != nil {
			return promoted, changes, fmt.Errorf("promoting %s: %w", target, err)
		}
		if change == nil {
			continue
		}
		promoted = append(promoted, target)
		changes = append(changes, *change)
	}
	return promoted, changes, nil
}

func (pr *promotion) promoteFile(target string) (*FileChange, error) {
	old, liveExists, err := readIfExists(pr.live, target)
	if err != nil {
		return nil, fmt.Errorf("reading live file: %w", err)
	}

	info, err := pr.workspace.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		if !liveExists {
			return nil, nil
		}
		if err := pr.live.Remove(target); err != nil {
			return nil, fmt.Errorf("removing live file: %w", err)
		}
		return &FileChange{Path: target, Deleted: true, Removed: countLines(string(old))}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat workspace file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("workspace copy is not a regular file")
	}

	data, err := afero.ReadFile(pr.workspace, target)
	if err != nil {
		return nil, fmt.Errorf("reading workspace file: %w", err)
	}
	if err := edit.WriteFileAtomic(pr.live, target, data, info.Mode().Perm()); err != nil {
		return nil, err
	}

	added, removed := pr.lineDelta(string(old), string(data))
	return &FileChange{
		Path:    target,
		Created: !liveExists,
		Added:   added,
		Removed: removed,
	}, nil
}

// lineDelta counts inserted and deleted lines between two texts.
func (pr *promotion) lineDelta(before, after string) (added, removed int) {
	a, b, lines := pr.dmp.DiffLinesToChars(before, after)
	diffs := pr.dmp.DiffCharsToLines(pr.dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += countLines(d.Text)
		}
	}
	return added, removed
}

func readIfExists(fsys afero.Fs, path string) ([]byte, bool, error) {
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// countLines counts lines, including a final line without a newline.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
