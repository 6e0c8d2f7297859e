// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify drives a workspace through build, test and runtime
// invariant checks and returns a structured report.
//
// Stages run sequentially and each gates the next. A stage disabled by
// configuration is trivially passed. A stage that never ran because an
// earlier one failed is reported as skipped and not passed. Every stage
// transition, invariant result and output line goes to the events sink as
// it happens.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
	"golang.org/x/sys/unix"
)

// Defaults applied by NewRunner to zero-valued Config fields.
const (
	DefaultBuildTimeout     = 5 * time.Minute
	DefaultTestTimeout      = 10 * time.Minute
	DefaultRuntimeDuration  = 10 * time.Second
	DefaultInvariantTimeout = 30 * time.Second
	DefaultStopGrace        = 5 * time.Second
)

// DefaultNoTestsMarkers are output fragments meaning "there were no tests".
var DefaultNoTestsMarkers = []string{"no test files", "no tests ran", "No tests found"}

// Config configures a Runner.
type Config struct {
	// BuildCommand, TestCommand and RuntimeCommand are argv lists run inside
	// the workspace. An empty command skips its stage.
	BuildCommand   []string
	TestCommand    []string
	RuntimeCommand []string

	BuildTimeout     time.Duration
	TestTimeout      time.Duration
	RuntimeDuration  time.Duration
	InvariantTimeout time.Duration

	// StopGrace is how long the runtime instance gets between SIGTERM and
	// SIGKILL.
	StopGrace time.Duration

	SkipTests        bool
	SkipRuntimeCheck bool

	// NoTestsExitCodes are test exit codes meaning "no tests collected".
	// Default: [5].
	NoTestsExitCodes []int

	// NoTestsMarkers are output fragments with the same meaning.
	NoTestsMarkers []string

	// Env is appended to the inherited environment of every command.
	Env []string

	// Checker evaluates runtime invariants. Nil means no invariants, which
	// trivially pass.
	Checker invariant.Checker

	// Sink receives progress events. Nil discards them.
	Sink events.Sink

	Logger *slog.Logger
}

// Runner verifies workspaces.
//
// # Thread Safety
//
// Runner holds no per-run state and is safe for concurrent use.
type Runner struct {
	cfg    Config
	sink   events.Sink
	logger *slog.Logger
}

// NewRunner creates a Runner, filling defaults for unset durations.
func NewRunner(cfg Config) *Runner {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultTestTimeout
	}
	if cfg.RuntimeDuration <= 0 {
		cfg.RuntimeDuration = DefaultRuntimeDuration
	}
	if cfg.InvariantTimeout <= 0 {
		cfg.InvariantTimeout = DefaultInvariantTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.NoTestsExitCodes == nil {
		cfg.NoTestsExitCodes = []int{5}
	}
	if cfg.NoTestsMarkers == nil {
		cfg.NoTestsMarkers = DefaultNoTestsMarkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "verify.Runner")
	return &Runner{
		cfg:    cfg,
		sink:   events.Safe(cfg.Sink, logger),
		logger: logger,
	}
}

// Verify runs every stage against dir.
//
// # Description
//
// The three stages are announced as pending first. Build failure stops the
// run; a test failure stops it before the runtime stage. Stages that do not
// run after a failure are reported as skipped with their flag false.
//
// # Inputs
//
//   - ctx: Parent context. Each stage also has its own timeout.
//   - runID: Correlates sink events.
//   - dir: Workspace directory.
//
// # Outputs
//
//   - *Report: Never nil.
func (r *Runner) Verify(ctx context.Context, runID, dir string) *Report {
	start := time.Now()
	report := &Report{}

	for _, stage := range []string{StageBuild, StageTest, StageRuntime} {
		r.sink.StageProgress(runID, stage, events.StatusPending, "")
	}

	build := r.Build(ctx, runID, dir)
	report.Stages = append(report.Stages, build)
	report.BuildPassed = build.Passed
	if !build.Passed {
		report.Errors = append(report.Errors, stageError(build))
		report.TestsPassed = r.cfg.SkipTests
		report.RuntimePassed = r.cfg.SkipRuntimeCheck
		report.InvariantsPassed = r.cfg.SkipRuntimeCheck
		report.Stages = append(report.Stages,
			r.notRun(runID, StageTest, "build failed"),
			r.notRun(runID, StageRuntime, "build failed"))
		report.finalize(start)
		return report
	}

	test := r.test(ctx, runID, dir)
	report.Stages = append(report.Stages, test)
	report.TestsPassed = test.Passed
	if !test.Passed {
		report.Errors = append(report.Errors, stageError(test))
		report.RuntimePassed = r.cfg.SkipRuntimeCheck
		report.InvariantsPassed = r.cfg.SkipRuntimeCheck
		report.Stages = append(report.Stages, r.notRun(runID, StageRuntime, "tests failed"))
		report.finalize(start)
		return report
	}

	r.runtime(ctx, runID, dir, report)
	report.finalize(start)

	r.logger.Info("verification finished",
		"run_id", runID,
		"passed", report.Passed,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report
}

// Build runs the build command in dir. It is also used for the live tree
// rebuild after promotion.
func (r *Runner) Build(ctx context.Context, runID, dir string) StageResult {
	if len(r.cfg.BuildCommand) == 0 {
		return r.skipped(runID, StageBuild, "no build command configured")
	}
	return r.Run(ctx, runID, StageBuild, r.cfg.BuildCommand, r.cfg.BuildTimeout, dir)
}

func (r *Runner) test(ctx context.Context, runID, dir string) StageResult {
	if r.cfg.SkipTests {
		return r.skipped(runID, StageTest, "tests disabled by configuration")
	}
	if len(r.cfg.TestCommand) == 0 {
		return r.skipped(runID, StageTest, "no test command configured")
	}

	res := r.execute(ctx, runID, StageTest, r.cfg.TestCommand, r.cfg.TestTimeout, dir)
	if !res.Passed && !res.TimedOut && r.noTests(res) {
		res.Passed = true
		res.Status = events.StatusCompleted
		res.Detail = "no tests found"
	}
	r.finish(runID, res)
	return res
}

func (r *Runner) noTests(res StageResult) bool {
	if slices.Contains(r.cfg.NoTestsExitCodes, res.ExitCode) {
		return true
	}
	for _, marker := range r.cfg.NoTestsMarkers {
		if strings.Contains(res.Output, marker) {
			return true
		}
	}
	return false
}

// Run executes argv in dir as a named stage with a timeout, streaming its
// output to the sink and reporting running and completed/failed transitions.
func (r *Runner) Run(ctx context.Context, runID, stage string, argv []string, timeout time.Duration, dir string) StageResult {
	res := r.execute(ctx, runID, stage, argv, timeout, dir)
	r.finish(runID, res)
	return res
}

// execute runs a command without reporting the final transition.
func (r *Runner) execute(ctx context.Context, runID, stage string, argv []string, timeout time.Duration, dir string) StageResult {
	res := StageResult{Stage: stage, ExitCode: -1}
	r.sink.StageProgress(runID, stage, events.StatusRunning, strings.Join(argv, " "))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tail := newTailBuffer(outputTailBytes)
	stdout := &lineWriter{sink: r.sink, runID: runID, stage: stage, stream: "stdout", tail: tail}
	stderr := &lineWriter{sink: r.sink, runID: runID, stage: stage, stream: "stderr", tail: tail}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so grandchildren do not hold the pipes open.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = DefaultStopGrace

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	stdout.Flush()
	stderr.Flush()
	res.Output = tail.String()

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.Detail = fmt.Sprintf("%s timed out after %s", stage, timeout)
	case err == nil:
		res.ExitCode = 0
		res.Passed = true
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Detail = fmt.Sprintf("%s exited with code %d", stage, res.ExitCode)
	default:
		res.Detail = fmt.Sprintf("%s could not run: %v", stage, err)
	}

	if res.Passed {
		res.Status = events.StatusCompleted
	} else {
		res.Status = events.StatusFailed
	}

	r.logger.Debug("stage command finished",
		"run_id", runID,
		"stage", stage,
		"exit_code", res.ExitCode,
		"passed", res.Passed,
		"lines", stdout.lines+stderr.lines,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

func (r *Runner) finish(runID string, res StageResult) {
	r.sink.StageProgress(runID, res.Stage, res.Status, res.Detail)
}

func (r *Runner) skipped(runID, stage, detail string) StageResult {
	res := StageResult{Stage: stage, Status: events.StatusSkipped, Passed: true, Skipped: true, Detail: detail}
	r.sink.StageProgress(runID, stage, events.StatusSkipped, detail)
	return res
}

// notRun records a stage prevented by an earlier failure. It is trivially
// passed only when configuration disables it anyway.
func (r *Runner) notRun(runID, stage, reason string) StageResult {
	disabled := (stage == StageTest && r.cfg.SkipTests) || (stage == StageRuntime && r.cfg.SkipRuntimeCheck)
	res := StageResult{Stage: stage, Status: events.StatusSkipped, Skipped: true, Passed: disabled, Detail: reason}
	r.sink.StageProgress(runID, stage, events.StatusSkipped, reason)
	return res
}

func stageError(res StageResult) string {
	msg := res.Detail
	if res.Output != "" {
		msg += ": " + res.Output
	}
	return msg
}
