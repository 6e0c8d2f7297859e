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
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/edit"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/AleutianAI/selfmod/services/selfmod/policy"
	"github.com/AleutianAI/selfmod/services/selfmod/sandbox"
	"github.com/AleutianAI/selfmod/services/selfmod/verify"
)

// Sentinel errors returned by the Orchestrator.
var (
	// ErrBusy is returned when another Apply holds the pipeline and the
	// caller's context ended before it was released.
	ErrBusy = errors.New("orchestrator: another modification is in progress")

	// ErrNilPlan is returned when Apply is called without a plan.
	ErrNilPlan = errors.New("orchestrator: plan is nil")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator: closed")

	// ErrNotInWorkspace fails a promotion that would overwrite a live file
	// the workspace never held, such as one under an excluded directory.
	ErrNotInWorkspace = errors.New("live file was not part of the workspace copy")

	// ErrRunNotFound is returned by Result for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
)

// State is a step of the Apply state machine.
type State string

const (
	StateIdle              State = "idle"
	StateValidating        State = "validating"
	StateCheckpointing     State = "checkpointing"
	StateSandboxing        State = "sandboxing"
	StateEditing           State = "editing"
	StateVerifying         State = "verifying"
	StatePromoting         State = "promoting"
	StateAborting          State = "aborting"
	StatePostCheckpointing State = "post_checkpointing"
	StateRebuilding        State = "rebuilding"
	StateDone              State = "done"
)

// FailureKind classifies why an Apply did not succeed, or what non-fatal
// problem it met.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailurePolicy       FailureKind = "policy"
	FailureCheckpoint   FailureKind = "checkpoint"
	FailureSandbox      FailureKind = "sandbox"
	FailureEdit         FailureKind = "edit"
	FailureVerification FailureKind = "verification"
	FailurePromotion    FailureKind = "promotion"
	FailureRebuild      FailureKind = "rebuild"
	FailureInternal     FailureKind = "internal"
)

// FileChange summarizes what promotion did to one live file.
type FileChange struct {
	Path    string `json:"path"`
	Created bool   `json:"created,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Added   int    `json:"lines_added"`
	Removed int    `json:"lines_removed"`
}

// ApplyResult is the record of one Apply call. Values handed out by the
// orchestrator are copies; mutating them does not affect history.
type ApplyResult struct {
	RunID    string `json:"run_id"`
	PlanID   string `json:"plan_id"`
	PlanName string `json:"plan_name,omitempty"`
	Success  bool   `json:"success"`

	// Report is nil when the run ended before verification.
	Report *verify.Report `json:"report,omitempty"`

	PreCheckpoint  string `json:"pre_checkpoint,omitempty"`
	PostCheckpoint string `json:"post_checkpoint,omitempty"`

	FailedStage State       `json:"failed_stage,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Error       string      `json:"error,omitempty"`

	PolicyViolations []policy.Violation `json:"policy_violations,omitempty"`
	EditErrors       []edit.EditError   `json:"edit_errors,omitempty"`

	// PromotedFiles lists live paths written or removed, in plan order.
	PromotedFiles []string     `json:"promoted_files,omitempty"`
	Changes       []FileChange `json:"changes,omitempty"`

	RebuildError string `json:"rebuild_error,omitempty"`
	RolledBack   bool   `json:"rolled_back,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Clone returns a deep copy.
func (r *ApplyResult) Clone() *ApplyResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Report != nil {
		rep := *r.Report
		rep.Invariants = append(rep.Invariants[:0:0], r.Report.Invariants...)
		rep.Errors = append(rep.Errors[:0:0], r.Report.Errors...)
		rep.Stages = append(rep.Stages[:0:0], r.Report.Stages...)
		if r.Report.Runtime != nil {
			rt := *r.Report.Runtime
			rep.Runtime = &rt
		}
		c.Report = &rep
	}
	c.PolicyViolations = append(r.PolicyViolations[:0:0], r.PolicyViolations...)
	c.EditErrors = append(r.EditErrors[:0:0], r.EditErrors...)
	c.PromotedFiles = append(r.PromotedFiles[:0:0], r.PromotedFiles...)
	c.Changes = append(r.Changes[:0:0], r.Changes...)
	return &c
}

// =============================================================================
// Collaborators
// =============================================================================

// PolicyGuard validates plans without side effects.
type PolicyGuard interface {
	Validate(p *plan.ModificationPlan) *policy.Result
}

// Snapshotter creates and destroys workspaces.
type Snapshotter interface {
	Create(ctx context.Context) (*sandbox.Workspace, error)
	Destroy(ws *sandbox.Workspace) error
}

// EditApplier applies plan edits inside a workspace.
type EditApplier interface {
	Apply(p *plan.ModificationPlan, workspacePath string) *edit.Result
}

// Verifier runs verification and standalone build commands.
type Verifier interface {
	Verify(ctx context.Context, runID, dir string) *verify.Report
	Build(ctx context.Context, runID, dir string) verify.StageResult
	Run(ctx context.Context, runID, stage string, argv []string, timeout time.Duration, dir string) verify.StageResult
}

// Checkpointer records and restores live-tree checkpoints.
type Checkpointer interface {
	Checkpoint(ctx context.Context, message string) string
	Rollback(ctx context.Context, ref string) bool
}

// HistoryStore persists ApplyResults beyond the process lifetime.
type HistoryStore interface {
	Append(ctx context.Context, result *ApplyResult) error
	List(ctx context.Context, limit int) ([]*ApplyResult, error)
	Get(ctx context.Context, runID string) (*ApplyResult, error)
}
