// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy statically validates modification plans before any
// workspace exists.
//
// The Guard never touches the filesystem beyond Lstat calls on the live
// tree and never stops at the first problem: every violation in the plan is
// reported so the planner can fix them all at once.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/AleutianAI/selfmod/services/selfmod/policy/enforcement"
	"gopkg.in/yaml.v3"
)

// DefaultMaxEdits is used when Config.MaxEdits is zero.
const DefaultMaxEdits = 50

// Config configures a Guard.
type Config struct {
	// ProjectRoot is the live tree all targets are relative to. Required.
	ProjectRoot string

	// MaxEdits bounds the number of edits in one plan.
	MaxEdits int

	// ProtectedPaths extends the embedded trusted computing base.
	ProtectedPaths []string

	// SandboxRoot and StateDir are reserved: no edit may point into them
	// when they live inside the project.
	SandboxRoot string
	StateDir    string

	// ScanSecrets enables payload scanning.
	ScanSecrets bool

	// Excluder, when set, rejects targets that workspace copies leave out.
	// An edit there would be applied to a workspace that never held the
	// live file.
	Excluder Excluder

	Logger *slog.Logger
}

// Excluder reports project-relative paths left out of workspace copies.
// *sandbox.Snapshotter implements it.
type Excluder interface {
	Excluded(rel string, isDir bool) bool
}

// Guard validates plans against the protection policy.
//
// # Thread Safety
//
// Guard is immutable after construction and safe for concurrent use.
type Guard struct {
	root      string
	maxEdits  int
	protected []string
	reserved  []string
	scan      bool
	excluder  Excluder
	classes   []classification
	logger    *slog.Logger
}

// NewGuard loads the embedded rules, merges configured protections and
// compiles the secret patterns.
//
// # Outputs
//
//   - *Guard: Ready to validate plans.
//   - error: Non-nil if the project root is missing or the embedded rules
//     are malformed.
func NewGuard(cfg Config) (*Guard, error) {
	if cfg.ProjectRoot == "" {
		return nil, errors.New("policy: project root is required")
	}
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	var tcb trustedBaseFile
	if err := yaml.Unmarshal(enforcement.TrustedBase, &tcb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded trusted base: %w", err)
	}

	var classes classificationFile
	if err := yaml.Unmarshal(enforcement.SecretPatterns, &classes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded secret patterns: %w", err)
	}
	if err := classes.compile(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Guard{
		root:     root,
		maxEdits: cfg.MaxEdits,
		scan:     cfg.ScanSecrets,
		excluder: cfg.Excluder,
		classes:  classes.Classifications,
		logger:   logger.With("component", "policy.Guard"),
	}
	if g.maxEdits <= 0 {
		g.maxEdits = DefaultMaxEdits
	}

	for _, entry := range append(tcb.Protected, cfg.ProtectedPaths...) {
		if entry = normalizeEntry(entry); entry != "" {
			g.protected = append(g.protected, entry)
		}
	}
	for _, dir := range []string{cfg.SandboxRoot, cfg.StateDir} {
		if rel, ok := g.insideRoot(dir); ok {
			g.reserved = append(g.reserved, rel)
		}
	}

	return g, nil
}

// ProtectedPatterns returns the effective protected set.
func (g *Guard) ProtectedPatterns() []string {
	out := make([]string, len(g.protected))
	copy(out, g.protected)
	return out
}

// IsProtected reports whether a project-relative path is in the protected
// set. Entries ending in "/" protect the whole directory; entries with glob
// metacharacters match the full path or, when they contain no "/", the base
// name.
func (g *Guard) IsProtected(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	for _, entry := range g.protected {
		if matchEntry(entry, rel) {
			return true
		}
	}
	return false
}

// Validate checks a plan against every rule and reports all violations.
//
// # Description
//
// Checks, per edit: the target is a clean relative path inside the project
// root, it is outside the sandbox and state directories, workspace copies
// include it, it is not protected, no existing component of the path is a symlink, replace and
// patch targets exist as regular files, and (when enabled) the payload does
// not carry high-confidence secrets. The edit count is checked once.
//
// # Outputs
//
//   - *Result: Valid is true only with zero violations. Never nil.
func (g *Guard) Validate(p *plan.ModificationPlan) *Result {
	result := &Result{}
	if p == nil {
		result.Violations = append(result.Violations, Violation{
			Code: CodeInvalidPlan, EditIndex: -1, Message: "plan is nil",
		})
		return result
	}

	if p.Len() > g.maxEdits {
		result.Violations = append(result.Violations, Violation{
			Code:      CodeTooManyEdits,
			EditIndex: -1,
			Message:   fmt.Sprintf("plan has %d edits, maximum is %d", p.Len(), g.maxEdits),
		})
	}

	for i, e := range p.Edits() {
		result.Violations = append(result.Violations, g.checkEdit(i, e)...)
		if g.scan {
			findings := g.scanPayload(i, e)
			for _, f := range findings {
				if f.Confidence == High {
					result.Violations = append(result.Violations, Violation{
						Code:      CodeSecretDetected,
						EditIndex: i,
						Target:    e.Target(),
						Message: fmt.Sprintf("payload for %s matches %s (%s) on line %d",
							e.Target(), f.PatternID, f.Description, f.LineNumber),
					})
				} else {
					result.Findings = append(result.Findings, f)
				}
			}
		}
	}

	result.Valid = len(result.Violations) == 0
	if !result.Valid {
		g.logger.Info("plan rejected",
			"plan_id", p.ID,
			"violations", len(result.Violations),
		)
	}
	return result
}

func (g *Guard) checkEdit(i int, e plan.Edit) []Violation {
	target := e.Target()
	violation := func(code ViolationCode, format string, args ...any) []Violation {
		return []Violation{{Code: code, EditIndex: i, Target: target, Message: fmt.Sprintf(format, args...)}}
	}

	if e.Payload() == nil || !e.Op().Valid() {
		return violation(CodeInvalidEdit, "edit for %q has no operation", target)
	}
	if strings.TrimSpace(target) == "" {
		return violation(CodeInvalidEdit, "edit has an empty target")
	}
	if filepath.IsAbs(target) {
		return violation(CodePathEscape, "target %s must be relative to the project root", target)
	}
	clean := filepath.Clean(target)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return violation(CodePathEscape, "target %s escapes the project root", target)
	}
	rel := filepath.ToSlash(clean)

	for _, reserved := range g.reserved {
		if rel == reserved || strings.HasPrefix(rel, reserved+"/") {
			return violation(CodeReservedPath, "target %s is inside the reserved directory %s", target, reserved)
		}
	}

	if excluded := g.excludedComponent(rel); excluded != "" {
		return violation(CodeExcludedPath, "target %s is not copied into workspaces (%s is excluded)", target, excluded)
	}

	var out []Violation
	if g.IsProtected(rel) {
		out = append(out, violation(CodeProtectedFile, "%s is a protected file", target)...)
	}

	if link := g.symlinkComponent(clean); link != "" {
		return append(out, violation(CodeSymlinkPath, "target %s traverses symlink %s", target, link)...)
	}

	switch e.Op() {
	case plan.OpReplace, plan.OpPatch:
		info, err := os.Lstat(filepath.Join(g.root, clean))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			out = append(out, violation(CodeMissingTarget, "%s does not exist", target)...)
		case err != nil:
			out = append(out, violation(CodeMissingTarget, "cannot stat %s: %v", target, err)...)
		case !info.Mode().IsRegular():
			out = append(out, violation(CodeNotRegularFile, "%s is not a regular file", target)...)
		}
	}
	return out
}

// excludedComponent returns the first ancestor directory of rel, or rel
// itself, that workspace copies exclude, or "".
func (g *Guard) excludedComponent(rel string) string {
	if g.excluder == nil {
		return ""
	}
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		dir := strings.Join(parts[:i], "/")
		if g.excluder.Excluded(filepath.FromSlash(dir), true) {
			return dir + "/"
		}
	}
	if g.excluder.Excluded(filepath.FromSlash(rel), false) {
		return rel
	}
	return ""
}

// symlinkComponent returns the first existing path component under root
// that is a symlink, or "".
func (g *Guard) symlinkComponent(clean string) string {
	parts := strings.Split(clean, string(filepath.Separator))
	current := g.root
	for _, part := range parts {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			return ""
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			rel, _ := filepath.Rel(g.root, current)
			return filepath.ToSlash(rel)
		}
	}
	return ""
}

// ScanContent scans text against the embedded secret patterns.
func (g *Guard) ScanContent(content string) []ScanFinding {
	var findings []ScanFinding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, c := range g.classes {
			for _, p := range c.Patterns {
				if p.compiled.MatchString(line) {
					findings = append(findings, ScanFinding{
						EditIndex:      -1,
						LineNumber:     lineNum + 1,
						Classification: c.Name,
						PatternID:      p.ID,
						Description:    p.Description,
						Confidence:     p.Confidence,
					})
				}
			}
		}
	}
	return findings
}

func (g *Guard) scanPayload(i int, e plan.Edit) []ScanFinding {
	content := e.Content()
	if content == "" {
		return nil
	}
	findings := g.ScanContent(content)
	for j := range findings {
		findings[j].EditIndex = i
		findings[j].Target = e.Target()
	}
	return findings
}

// insideRoot returns dir relative to the project root when it lies inside.
func (g *Guard) insideRoot(dir string) (string, bool) {
	if dir == "" {
		return "", false
	}
	abs := dir
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, dir)
	}
	rel, err := filepath.Rel(g.root, filepath.Clean(abs))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func normalizeEntry(entry string) string {
	entry = strings.TrimSpace(filepath.ToSlash(entry))
	entry = strings.TrimPrefix(entry, "./")
	if entry == "" || entry == "/" {
		return ""
	}
	return entry
}

func matchEntry(entry, rel string) bool {
	if strings.HasSuffix(entry, "/") {
		dir := strings.TrimSuffix(entry, "/")
		return rel == dir || strings.HasPrefix(rel, entry)
	}
	if strings.ContainsAny(entry, "*?[") {
		if ok, _ := path.Match(entry, rel); ok {
			return true
		}
		if !strings.Contains(entry, "/") {
			ok, _ := path.Match(entry, path.Base(rel))
			return ok
		}
		return false
	}
	return rel == entry
}
