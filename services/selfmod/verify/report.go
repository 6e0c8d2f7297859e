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
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
)

// Stage names.
const (
	StageBuild   = "build"
	StageTest    = "test"
	StageRuntime = "runtime"
)

// StageResult is the outcome of one verification stage.
type StageResult struct {
	Stage    string             `json:"stage"`
	Status   events.StageStatus `json:"status"`
	Passed   bool               `json:"passed"`
	Skipped  bool               `json:"skipped,omitempty"`
	TimedOut bool               `json:"timed_out,omitempty"`
	ExitCode int                `json:"exit_code"`
	Duration time.Duration      `json:"duration"`

	// Output is the last few KiB of combined stdout and stderr.
	Output string `json:"output,omitempty"`

	// Detail explains skips and failures.
	Detail string `json:"detail,omitempty"`
}

// Report is the structured outcome of one verification attempt. It is not
// modified after Verify returns.
type Report struct {
	BuildPassed      bool `json:"build_passed"`
	TestsPassed      bool `json:"tests_passed"`
	InvariantsPassed bool `json:"invariants_passed"`
	RuntimePassed    bool `json:"runtime_passed"`

	// Passed is the conjunction of the four flags.
	Passed bool `json:"passed"`

	Invariants []invariant.Result `json:"invariants,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
	Stages     []StageResult      `json:"stages"`

	// Runtime is the snapshot handed to the invariant checker, if any.
	Runtime *invariant.RuntimeContext `json:"runtime,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Stage returns the result for a stage name, or nil.
func (r *Report) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// FailedInvariants returns the invariant results that did not pass.
func (r *Report) FailedInvariants() []invariant.Result {
	var out []invariant.Result
	for _, res := range r.Invariants {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// FirstFailedStage returns the name of the first failed stage, or "".
func (r *Report) FirstFailedStage() string {
	for _, s := range r.Stages {
		if s.Status == events.StatusFailed {
			return s.Stage
		}
	}
	return ""
}

func (r *Report) finalize(start time.Time) {
	r.Passed = r.BuildPassed && r.TestsPassed && r.InvariantsPassed && r.RuntimePassed
	r.Duration = time.Since(start)
}
