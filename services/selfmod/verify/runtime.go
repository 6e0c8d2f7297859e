// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
	"golang.org/x/sys/unix"
)

// Environment variables handed to the runtime instance.
const (
	EnvStatusFile = "SELFMOD_STATUS_FILE"
	EnvWorkspace  = "SELFMOD_WORKSPACE"
	EnvRunID      = "SELFMOD_RUN_ID"

	statusFileName = ".selfmod-status.json"
)

// runtime starts the modified system, lets it run, evaluates invariants and
// stops it. It fills the runtime and invariant parts of report.
//
// A crash, a start failure, or a checker error or timeout sets
// RuntimePassed=false. An invariant evaluating to false sets only
// InvariantsPassed=false.
func (r *Runner) runtime(ctx context.Context, runID, dir string, report *Report) {
	if r.cfg.SkipRuntimeCheck {
		report.Stages = append(report.Stages, r.skipped(runID, StageRuntime, "runtime check disabled by configuration"))
		report.RuntimePassed = true
		report.InvariantsPassed = true
		return
	}
	if len(r.cfg.RuntimeCommand) == 0 {
		report.Stages = append(report.Stages, r.skipped(runID, StageRuntime, "no runtime command configured"))
		report.RuntimePassed = true
		report.InvariantsPassed = true
		return
	}

	res := StageResult{Stage: StageRuntime, ExitCode: -1}
	r.sink.StageProgress(runID, StageRuntime, events.StatusRunning, fmt.Sprintf("observing for %s", r.cfg.RuntimeDuration))
	start := time.Now()

	fail := func(format string, args ...any) {
		res.Detail = fmt.Sprintf(format, args...)
		res.Status = events.StatusFailed
		report.RuntimePassed = false
		report.InvariantsPassed = false
		report.Errors = append(report.Errors, stageError(res))
	}

	inst, err := r.startInstance(runID, dir)
	if err != nil {
		fail("runtime instance could not start: %v", err)
		res.Duration = time.Since(start)
		report.Stages = append(report.Stages, res)
		r.finish(runID, res)
		return
	}

	exited := false
	timer := time.NewTimer(r.cfg.RuntimeDuration)
	select {
	case <-inst.done:
		exited = true
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()

	if exited && inst.exitCode != 0 {
		r.stopInstance(inst)
		res.ExitCode = inst.exitCode
		res.Output = inst.tail.String()
		res.Duration = time.Since(start)
		fail("runtime instance crashed with exit code %d after %s", inst.exitCode, res.Duration.Round(time.Millisecond))
		report.Stages = append(report.Stages, res)
		r.finish(runID, res)
		return
	}

	rc := probe(inst, !exited)
	report.Runtime = &rc

	results, checkErr := r.checkInvariants(ctx, rc)
	r.stopInstance(inst)
	res.Output = inst.tail.String()
	res.Duration = time.Since(start)
	if exited {
		res.ExitCode = 0
	}

	if checkErr != nil {
		fail("invariant check failed: %v", checkErr)
		report.Stages = append(report.Stages, res)
		r.finish(runID, res)
		return
	}

	report.Invariants = results
	report.RuntimePassed = true
	report.InvariantsPassed = invariant.AllPassed(results)
	for _, result := range results {
		r.sink.InvariantChecked(runID, result)
		if !result.Passed {
			report.Errors = append(report.Errors, fmt.Sprintf("invariant %s failed: %s", result.ID, result.Message))
		}
	}

	res.Passed = report.InvariantsPassed
	res.Status = events.StatusCompleted
	if !res.Passed {
		res.Status = events.StatusFailed
		res.Detail = fmt.Sprintf("%d of %d invariants failed", len(report.FailedInvariants()), len(results))
	}
	report.Stages = append(report.Stages, res)
	r.finish(runID, res)
}

func (r *Runner) checkInvariants(ctx context.Context, rc invariant.RuntimeContext) ([]invariant.Result, error) {
	if r.cfg.Checker == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.InvariantTimeout)
	defer cancel()

	type outcome struct {
		results []invariant.Result
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("checker panicked: %v", p)}
			}
		}()
		results, err := r.cfg.Checker.CheckAll(ctx, rc)
		ch <- outcome{results: results, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("timed out after %s", r.cfg.InvariantTimeout)
		}
		return o.results, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out after %s", r.cfg.InvariantTimeout)
	}
}

// =============================================================================
// Instance lifecycle
// =============================================================================

type instance struct {
	cmd        *exec.Cmd
	statusFile string
	tail       *tailBuffer
	stdout     *lineWriter
	stderr     *lineWriter
	done       chan struct{}
	exitCode   int
}

func (r *Runner) startInstance(runID, dir string) (*instance, error) {
	argv := r.cfg.RuntimeCommand
	inst := &instance{
		statusFile: filepath.Join(dir, statusFileName),
		tail:       newTailBuffer(outputTailBytes),
		done:       make(chan struct{}),
	}
	inst.stdout = &lineWriter{sink: r.sink, runID: runID, stage: StageRuntime, stream: "stdout", tail: inst.tail}
	inst.stderr = &lineWriter{sink: r.sink, runID: runID, stage: StageRuntime, stream: "stderr", tail: inst.tail}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvStatusFile+"="+inst.statusFile,
		EnvWorkspace+"="+dir,
		EnvRunID+"="+runID,
	)
	cmd.Stdout = inst.stdout
	cmd.Stderr = inst.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.cfg.StopGrace
	inst.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	r.logger.Debug("runtime instance started", "run_id", runID, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		inst.exitCode = 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			inst.exitCode = exitErr.ExitCode()
		} else if err != nil {
			inst.exitCode = -1
		}
		inst.stdout.Flush()
		inst.stderr.Flush()
		close(inst.done)
	}()
	return inst, nil
}

// stopInstance terminates the instance's process group: SIGTERM, then
// SIGKILL after the grace period. It returns once the process was reaped.
func (r *Runner) stopInstance(inst *instance) {
	select {
	case <-inst.done:
		// The leader is gone; sweep any children it left behind.
		_ = unix.Kill(-inst.cmd.Process.Pid, unix.SIGKILL)
		return
	default:
	}

	pgid := inst.cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		r.logger.Warn("failed to signal runtime instance", "pid", pgid, "error", err)
	}

	grace := time.NewTimer(r.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-inst.done:
	case <-grace.C:
		r.logger.Warn("runtime instance ignored SIGTERM, killing", "pid", pgid)
		_ = unix.Kill(-pgid, unix.SIGKILL)
		<-inst.done
	}
}

// probe builds the runtime snapshot. The instance may write its own health
// as JSON to $SELFMOD_STATUS_FILE; otherwise liveness is all we know.
func probe(inst *instance, alive bool) invariant.RuntimeContext {
	if data, err := os.ReadFile(inst.statusFile); err == nil {
		var rc invariant.RuntimeContext
		if err := json.Unmarshal(data, &rc); err == nil {
			return rc
		}
	}
	if alive {
		return invariant.RuntimeContext{EnergyLevel: 1, ResponsiveAgents: 1, TotalAgents: 1}
	}
	return invariant.RuntimeContext{EnergyLevel: 0, Dormant: true, ResponsiveAgents: 0, TotalAgents: 1}
}
