// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs modification plans through the full pipeline:
//
//	validate → checkpoint → sandbox → edit → verify → promote → checkpoint → rebuild → record
//
// The live project tree is only written after a plan's edits have been
// applied in a throwaway workspace and that workspace passed verification.
// Every promotion is preceded by a checkpoint of the exact pre-change state,
// so an operator can always return to it with Rollback.
//
// # Concurrency
//
// One Apply runs at a time. Callers waiting for the pipeline give up when
// their context ends (ErrBusy); once a run has started it is not cancelled
// mid-flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/AleutianAI/selfmod/services/selfmod/policy"
	"github.com/AleutianAI/selfmod/services/selfmod/sandbox"
	"github.com/AleutianAI/selfmod/services/selfmod/verify"
	"github.com/oklog/ulid/v2"
)

// DefaultHistoryLimit bounds the in-memory history.
const DefaultHistoryLimit = 200

// StageRebuild names the live rebuild when a dedicated command is set.
const StageRebuild = "rebuild"

// Config wires the orchestrator to its collaborators.
type Config struct {
	// ProjectRoot is the live tree. Required.
	ProjectRoot string

	Guard       PolicyGuard
	Snapshotter Snapshotter
	Applier     EditApplier
	Verifier    Verifier

	// Checkpoints may be nil, in which case no checkpoints are taken and
	// Rollback always fails.
	Checkpoints Checkpointer

	// Sink receives orchestrator stage events and the final outcome.
	Sink events.Sink

	// Store persists results. Optional.
	Store HistoryStore

	// RebuildCommand rebuilds the live tree after promotion. When empty the
	// verifier's build command is used.
	RebuildCommand []string
	RebuildTimeout time.Duration

	// RollbackOnRebuildFailure resets the live tree to the pre-change
	// checkpoint when the rebuild fails, and marks the run failed.
	RollbackOnRebuildFailure bool

	// HistoryLimit bounds the in-memory history. Default: 200.
	HistoryLimit int

	TracingEnabled bool
	MetricsEnabled bool

	Logger *slog.Logger
}

// Orchestrator owns the pipeline, its history and the active workspace.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Apply, Rollback and Checkpoint
// are serialized with each other.
type Orchestrator struct {
	cfg         Config
	root        string
	checkpoints Checkpointer
	sink        events.Sink
	tracer      *Tracer
	logger      *slog.Logger

	// sem is a one-slot semaphore held for the whole of Apply.
	sem chan struct{}

	mu      sync.Mutex
	history []*ApplyResult
	active  *sandbox.Workspace
	state   State
	closed  bool
}

// New creates an Orchestrator.
//
// # Inputs
//
//   - cfg: Collaborators and options. ProjectRoot, Guard, Snapshotter,
//     Applier and Verifier are required.
//
// # Outputs
//
//   - *Orchestrator: Ready to apply plans. Call Close when done.
//   - error: Non-nil if a required collaborator is missing.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.ProjectRoot == "" {
		return nil, errors.New("orchestrator: ProjectRoot is required")
	}
	if cfg.Guard == nil || cfg.Snapshotter == nil || cfg.Applier == nil || cfg.Verifier == nil {
		return nil, errors.New("orchestrator: guard, snapshotter, applier and verifier are required")
	}
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator.Orchestrator")

	checkpoints := cfg.Checkpoints
	if checkpoints == nil {
		checkpoints = noCheckpoints{}
	}

	SetMetricsEnabled(cfg.MetricsEnabled)

	return &Orchestrator{
		cfg:         cfg,
		root:        root,
		checkpoints: checkpoints,
		sink:        events.Safe(cfg.Sink, logger),
		tracer:      NewTracer(logger, cfg.TracingEnabled),
		logger:      logger,
		sem:         make(chan struct{}, 1),
		state:       StateIdle,
	}, nil
}

// Close waits for an in-flight Apply to finish and rejects later calls.
// The history store is owned by the caller and is not closed.
func (o *Orchestrator) Close() error {
	o.sem <- struct{}{}
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	<-o.sem
	return nil
}

// NewRunID returns a new time-sortable run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

// =============================================================================
// Apply
// =============================================================================

// Apply runs p through the pipeline.
//
// # Description
//
// Waits for the pipeline, then validates, checkpoints, snapshots, applies,
// verifies and, only when verification passed, promotes the changed files to
// the live tree. Stage failures are reported in the result, not as errors.
// The workspace is destroyed before Apply returns, even on panic.
//
// # Inputs
//
//   - ctx: Bounds the wait for the pipeline. Ignored once the run starts.
//   - p: The plan. Its checkpoint reference is recorded on it.
//
// # Outputs
//
//   - *ApplyResult: Copy of the recorded result.
//   - error: ErrNilPlan, ErrClosed, or ErrBusy when ctx ended while waiting.
func (o *Orchestrator) Apply(ctx context.Context, p *plan.ModificationPlan) (*ApplyResult, error) {
	if p == nil {
		return nil, ErrNilPlan
	}
	if err := o.acquire(ctx); err != nil {
		return nil, err
	}
	defer o.release()

	runCtx := context.WithoutCancel(ctx)
	result := &ApplyResult{
		RunID:     NewRunID(),
		PlanID:    p.ID,
		PlanName:  p.Name,
		StartedAt: time.Now(),
	}

	runCtx, span := o.tracer.StartApply(runCtx, result.RunID, p.ID, p.Len())
	o.logger.Info("apply started",
		"run_id", result.RunID,
		"plan_id", p.ID,
		"plan", p.Name,
		"edits", p.Len(),
	)

	o.execute(runCtx, p, result)

	result.Duration = time.Since(result.StartedAt)
	o.setState(StateDone)
	o.tracer.EndApply(span, result)
	recordApply(runCtx, result)
	o.record(runCtx, result)

	if f, ok := o.sink.(events.Finisher); ok {
		detail := "applied"
		if !result.Success {
			detail = result.Error
		}
		f.RunFinished(result.RunID, result.Success, detail)
	}

	o.logger.Info("apply finished",
		"run_id", result.RunID,
		"plan_id", p.ID,
		"success", result.Success,
		"failure_kind", result.FailureKind,
		"promoted", len(result.PromotedFiles),
		"duration", result.Duration,
	)
	o.setState(StateIdle)
	return result.Clone(), nil
}

// execute runs the stages, turning a panic into an internal failure. The
// workspace cleanup deferred inside run has already happened by the time
// the panic reaches here.
func (o *Orchestrator) execute(ctx context.Context, p *plan.ModificationPlan, result *ApplyResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("apply panicked",
				"run_id", result.RunID,
				"state", o.State(),
				"panic", r,
			)
			result.Success = false
			result.FailedStage = o.State()
			result.FailureKind = FailureInternal
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
	}()
	o.run(ctx, p, result)
}

func (o *Orchestrator) run(ctx context.Context, p *plan.ModificationPlan, result *ApplyResult) {
	runID := result.RunID

	// 1. Validate. No side effects on failure.
	if msg := o.stage(ctx, runID, StateValidating, func(context.Context) string {
		vr := o.cfg.Guard.Validate(p)
		if vr.Valid {
			return ""
		}
		result.PolicyViolations = vr.Violations
		return "plan violates policy: " + vr.Summary()
	}); msg != "" {
		fail(result, StateValidating, FailurePolicy, msg)
		return
	}

	// 2. Pre-change checkpoint.
	o.stage(ctx, runID, StateCheckpointing, func(ctx context.Context) string {
		ref := o.checkpoints.Checkpoint(ctx, fmt.Sprintf("selfmod: checkpoint before %s", describe(p)))
		p.RecordCheckpoint(ref)
		result.PreCheckpoint = ref
		if ref == "" {
			o.logger.Warn("no pre-change checkpoint; rollback will not be possible", "run_id", runID)
		}
		return ""
	})

	// 3. Workspace.
	var ws *sandbox.Workspace
	if msg := o.stage(ctx, runID, StateSandboxing, func(ctx context.Context) string {
		var err error
		ws, err = o.cfg.Snapshotter.Create(ctx)
		if err != nil {
			return fmt.Sprintf("creating workspace: %v", err)
		}
		return ""
	}); msg != "" {
		fail(result, StateSandboxing, FailureSandbox, msg)
		return
	}
	o.setActive(ws)
	recordWorkspace(ctx, 1)
	defer func() {
		o.setActive(nil)
		recordWorkspace(ctx, -1)
		if err := o.cfg.Snapshotter.Destroy(ws); err != nil {
			o.logger.Error("failed to destroy workspace", "run_id", runID, "path", ws.Path, "error", err)
		}
	}()

	// 4. Edits.
	held := heldTargets(ws.Path, p)
	if msg := o.stage(ctx, runID, StateEditing, func(context.Context) string {
		er := o.cfg.Applier.Apply(p, ws.Path)
		if er.Success {
			return ""
		}
		result.EditErrors = er.Errors
		return "edits failed: " + strings.Join(er.Messages(), "; ")
	}); msg != "" {
		fail(result, StateEditing, FailureEdit, msg)
		return
	}

	// 5. Verification.
	if msg := o.stage(ctx, runID, StateVerifying, func(ctx context.Context) string {
		report := o.cfg.Verifier.Verify(ctx, runID, ws.Path)
		result.Report = report
		if report.Passed {
			return ""
		}
		return "verification failed: " + verificationSummary(report)
	}); msg != "" {
		o.setState(StateAborting)
		o.sink.StageProgress(runID, string(StateAborting), events.StatusCompleted, "live tree untouched")
		fail(result, StateVerifying, FailureVerification, msg)
		return
	}

	// 6. Promotion.
	if msg := o.stage(ctx, runID, StatePromoting, func(context.Context) string {
		promoted, changes, err := newPromotion(ws.Path, o.root, held).run(p)
		result.PromotedFiles = promoted
		result.Changes = changes
		if err != nil {
			return err.Error()
		}
		return ""
	}); msg != "" {
		o.logger.Error("promotion failed; live tree may be partially modified",
			"run_id", runID,
			"promoted", result.PromotedFiles,
			"pre_checkpoint", result.PreCheckpoint,
		)
		fail(result, StatePromoting, FailurePromotion, msg)
		return
	}

	// 7. Post-change checkpoint.
	o.stage(ctx, runID, StatePostCheckpointing, func(ctx context.Context) string {
		result.PostCheckpoint = o.checkpoints.Checkpoint(ctx, fmt.Sprintf("selfmod: apply %s", describe(p)))
		if result.PostCheckpoint == "" {
			o.logger.Warn("no post-change checkpoint", "run_id", runID)
		}
		return ""
	})
	result.Success = true

	// 8. Rebuild the live tree.
	if msg := o.stage(ctx, runID, StateRebuilding, o.rebuild(runID)); msg != "" {
		result.RebuildError = msg
		o.logger.Warn("live rebuild failed", "run_id", runID, "error", msg)

		if !o.cfg.RollbackOnRebuildFailure {
			return
		}
		fail(result, StateRebuilding, FailureRebuild, "rebuild failed: "+msg)
		if result.PreCheckpoint == "" {
			result.Error += "; no checkpoint to roll back to"
			return
		}
		result.RolledBack = o.rollback(ctx, result.PreCheckpoint, "rebuild_failure")
		if !result.RolledBack {
			result.Error += "; rollback failed"
		}
	}
}

// rebuild returns the rebuild stage body.
func (o *Orchestrator) rebuild(runID string) func(context.Context) string {
	return func(ctx context.Context) string {
		var res verify.StageResult
		if len(o.cfg.RebuildCommand) > 0 {
			res = o.cfg.Verifier.Run(ctx, runID, StageRebuild, o.cfg.RebuildCommand, o.cfg.RebuildTimeout, o.root)
		} else {
			res = o.cfg.Verifier.Build(ctx, runID, o.root)
		}
		if res.Passed || res.Skipped {
			return ""
		}
		if res.Detail != "" {
			return res.Detail
		}
		return "rebuild failed"
	}
}

// stage runs one pipeline step with state tracking, events, a span and a
// duration metric. body returns "" on success or a failure message.
func (o *Orchestrator) stage(ctx context.Context, runID string, s State, body func(context.Context) string) string {
	o.setState(s)
	o.sink.StageProgress(runID, string(s), events.StatusRunning, "")

	stageCtx, span := o.tracer.StartStage(ctx, s)
	start := time.Now()
	msg := body(stageCtx)
	recordStage(ctx, s, time.Since(start), msg == "")
	o.tracer.EndStage(span, msg)

	if msg != "" {
		o.sink.StageProgress(runID, string(s), events.StatusFailed, msg)
		o.logger.Info("stage failed", "run_id", runID, "stage", s, "detail", msg)
		return msg
	}
	o.sink.StageProgress(runID, string(s), events.StatusCompleted, "")
	return ""
}

func fail(result *ApplyResult, s State, kind FailureKind, msg string) {
	result.Success = false
	result.FailedStage = s
	result.FailureKind = kind
	result.Error = msg
}

func describe(p *plan.ModificationPlan) string {
	if p.Name == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.ID)
}

func verificationSummary(r *verify.Report) string {
	if len(r.Errors) > 0 {
		return strings.Join(r.Errors, "; ")
	}
	if stage := r.FirstFailedStage(); stage != "" {
		return stage + " stage failed"
	}
	return "report did not pass"
}

// =============================================================================
// Rollback, Checkpoint, Validate
// =============================================================================

// Rollback hard-resets the live tree to ref.
//
// # Description
//
// Waits for any running Apply. Rolling back to the same ref twice has the
// same effect as once.
//
// # Outputs
//
//   - bool: False if ctx ended while waiting, ref is empty, version control
//     is disabled, or the reset failed.
func (o *Orchestrator) Rollback(ctx context.Context, ref string) bool {
	if err := o.acquire(ctx); err != nil {
		o.logger.Warn("rollback not started", "ref", ref, "error", err)
		return false
	}
	defer o.release()
	return o.rollback(context.WithoutCancel(ctx), ref, "operator")
}

func (o *Orchestrator) rollback(ctx context.Context, ref, reason string) bool {
	ctx, span := o.tracer.StartRollback(ctx, ref, reason)
	ok := o.checkpoints.Rollback(ctx, ref)
	o.tracer.EndRollback(span, ok)
	recordRollback(ctx, reason, ok)
	o.logger.Info("rollback", "ref", ref, "reason", reason, "success", ok)
	return ok
}

// Checkpoint records the live tree outside of an Apply. Returns "" when no
// checkpoint could be taken.
func (o *Orchestrator) Checkpoint(ctx context.Context, message string) string {
	if err := o.acquire(ctx); err != nil {
		o.logger.Warn("checkpoint not started", "error", err)
		return ""
	}
	defer o.release()
	return o.checkpoints.Checkpoint(context.WithoutCancel(ctx), message)
}

// Validate checks p against the policy without side effects.
func (o *Orchestrator) Validate(p *plan.ModificationPlan) *policy.Result {
	return o.cfg.Guard.Validate(p)
}

// =============================================================================
// State and history
// =============================================================================

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ActiveWorkspace returns the workspace of the running Apply, or nil.
func (o *Orchestrator) ActiveWorkspace() *sandbox.Workspace {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// History returns copies of the in-memory results, oldest first.
func (o *Orchestrator) History() []*ApplyResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*ApplyResult, len(o.history))
	for i, r := range o.history {
		out[i] = r.Clone()
	}
	return out
}

// Last returns a copy of the most recent result, or nil.
func (o *Orchestrator) Last() *ApplyResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return nil
	}
	return o.history[len(o.history)-1].Clone()
}

// Result looks a run up in memory, then in the store.
func (o *Orchestrator) Result(ctx context.Context, runID string) (*ApplyResult, error) {
	o.mu.Lock()
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].RunID == runID {
			r := o.history[i].Clone()
			o.mu.Unlock()
			return r, nil
		}
	}
	o.mu.Unlock()

	if o.cfg.Store == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return o.cfg.Store.Get(ctx, runID)
}

// Store returns the configured history store, or nil.
func (o *Orchestrator) Store() HistoryStore {
	return o.cfg.Store
}

func (o *Orchestrator) record(ctx context.Context, result *ApplyResult) {
	o.mu.Lock()
	o.history = append(o.history, result.Clone())
	if excess := len(o.history) - o.cfg.HistoryLimit; excess > 0 {
		o.history = append(o.history[:0:0], o.history[excess:]...)
	}
	o.mu.Unlock()

	if o.cfg.Store != nil {
		if err := o.cfg.Store.Append(ctx, result.Clone()); err != nil {
			o.logger.Warn("failed to persist result", "run_id", result.RunID, "error", err)
		}
	}
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case o.sem <- struct{}{}:
	default:
		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
		}
	}

	o.mu.Lock()
	closed = o.closed
	o.mu.Unlock()
	if closed {
		<-o.sem
		return ErrClosed
	}
	return nil
}

func (o *Orchestrator) release() {
	<-o.sem
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setActive(ws *sandbox.Workspace) {
	o.mu.Lock()
	o.active = ws
	o.mu.Unlock()
}

// noCheckpoints is used when version control is not configured.
type noCheckpoints struct{}

func (noCheckpoints) Checkpoint(context.Context, string) string { return "" }
func (noCheckpoints) Rollback(context.Context, string) bool     { return false }
