// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui renders pipeline results and live run progress in the
// terminal.
//
// # Description
//
// The Render* functions print finished results through a ux.Printer and
// honor the current personality level. RunModel is a bubbletea model that
// shows stage progress while an Apply is in flight.
//
// # Thread Safety
//
// RunModel is designed for single-threaded use within the bubbletea event
// loop. ChannelSink is safe for concurrent use.
package tui

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/selfmod/pkg/ux"
	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/AleutianAI/selfmod/services/selfmod/policy"
	"github.com/AleutianAI/selfmod/services/selfmod/verify"
)

const outputTailLines = 12

// RenderResult prints an ApplyResult.
func RenderResult(p *ux.Printer, r *orchestrator.ApplyResult) {
	if r == nil {
		p.Error("no result")
		return
	}

	name := r.PlanName
	if name == "" {
		name = r.PlanID
	}
	p.Title(fmt.Sprintf("Run %s", r.RunID))
	p.KeyValue("Plan", name)
	p.KeyValue("Duration", ux.Duration(r.Duration))
	p.KeyValue("Pre checkpoint", ux.ShortRef(r.PreCheckpoint))
	p.KeyValue("Post checkpoint", ux.ShortRef(r.PostCheckpoint))

	for _, v := range r.PolicyViolations {
		p.Status(v.String(), ux.IconError, string(v.Code))
	}
	for _, e := range r.EditErrors {
		p.Status(e.Error(), ux.IconError, "edit")
	}
	if r.Report != nil {
		renderReport(p, r.Report)
	}
	for _, c := range r.Changes {
		p.Status(c.Path, ux.IconBullet, changeSummary(c))
	}

	switch {
	case r.Success && r.RebuildError != "":
		p.Success("applied")
		p.Warning("rebuild failed: " + r.RebuildError)
	case r.Success:
		p.Success(fmt.Sprintf("applied %d file(s)", len(r.PromotedFiles)))
	default:
		msg := r.Error
		if msg == "" {
			msg = "modification rejected"
		}
		if r.FailureKind != orchestrator.FailureNone {
			msg = fmt.Sprintf("%s: %s", ux.Label(string(r.FailureKind)), msg)
		}
		p.Error(msg)
		if r.RolledBack {
			p.Warning("rolled back to " + ux.ShortRef(r.PreCheckpoint))
		}
	}

	if r.Success && r.PreCheckpoint != "" {
		p.Hint("undo with: selfmod rollback " + ux.ShortRef(r.PreCheckpoint))
	}
}

func renderReport(p *ux.Printer, rep *verify.Report) {
	for _, st := range rep.Stages {
		p.Status(ux.Label(st.Stage), stageIcon(st.Status), stageReason(st))
		if !st.Passed && !st.Skipped && st.Output != "" {
			p.Muted(tail(st.Output, outputTailLines))
		}
	}
	for _, inv := range rep.Invariants {
		icon := ux.IconSuccess
		if !inv.Passed {
			icon = ux.IconError
		}
		p.Status("invariant "+inv.ID, icon, inv.Message)
	}
	for _, e := range rep.Errors {
		p.Status(e, ux.IconWarning, "")
	}
}

// RenderValidation prints a policy check.
func RenderValidation(p *ux.Printer, planID string, res *policy.Result) {
	p.KeyValue("Plan", planID)
	if res == nil {
		p.Error("no validation result")
		return
	}
	for _, v := range res.Violations {
		p.Status(v.String(), ux.IconError, string(v.Code))
	}
	for _, f := range res.Findings {
		p.Status(fmt.Sprintf("%s:%d %s", f.Target, f.LineNumber, f.Description), ux.IconWarning, string(f.Confidence))
	}
	if res.Valid {
		p.Success("plan is valid")
		return
	}
	p.Error(fmt.Sprintf("plan rejected with %d violation(s)", len(res.Violations)))
}

// RenderHistory prints one line per run, newest first as given.
func RenderHistory(p *ux.Printer, runs []*orchestrator.ApplyResult) {
	if len(runs) == 0 {
		p.Info("no runs recorded")
		return
	}
	passed, failed := 0, 0
	for _, r := range runs {
		icon := ux.IconSuccess
		if r.Success {
			passed++
		} else {
			icon = ux.IconError
			failed++
		}
		name := r.PlanName
		if name == "" {
			name = r.PlanID
		}
		reason := r.StartedAt.Local().Format("2006-01-02 15:04:05")
		if !r.Success && r.FailureKind != orchestrator.FailureNone {
			reason += ", " + string(r.FailureKind)
		}
		p.Status(fmt.Sprintf("%s  %s", r.RunID, ux.Truncate(name, 40)), icon, reason)
	}
	p.Summary(passed, failed, len(runs))
}

func stageIcon(s events.StageStatus) ux.Icon {
	switch s {
	case events.StatusCompleted:
		return ux.IconSuccess
	case events.StatusFailed:
		return ux.IconError
	case events.StatusSkipped:
		return ux.IconSkipped
	default:
		return ux.IconPending
	}
}

func stageReason(st verify.StageResult) string {
	var parts []string
	if st.Duration > 0 {
		parts = append(parts, ux.Duration(st.Duration))
	}
	if st.TimedOut {
		parts = append(parts, "timed out")
	} else if !st.Passed && !st.Skipped && st.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit %d", st.ExitCode))
	}
	if st.Detail != "" {
		parts = append(parts, st.Detail)
	}
	return strings.Join(parts, ", ")
}

func changeSummary(c orchestrator.FileChange) string {
	switch {
	case c.Deleted:
		return "deleted"
	case c.Created:
		return fmt.Sprintf("created, +%d", c.Added)
	default:
		return fmt.Sprintf("+%d -%d", c.Added, c.Removed)
	}
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
