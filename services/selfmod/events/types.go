// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries pipeline progress to observers.
//
// Producers (the orchestrator and verification runner) talk to a Sink. The
// bundled Emitter fans events out to handler subscriptions and to bounded
// streaming channels used by the websocket API. Delivery is fire-and-forget:
// a slow or panicking observer never stalls the pipeline.
package events

import (
	"log/slog"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeStageProgress reports a stage status transition.
	TypeStageProgress Type = "stage_progress"

	// TypeInvariantChecked reports one invariant result.
	TypeInvariantChecked Type = "invariant_checked"

	// TypeOutputLine carries one line of build or test output.
	TypeOutputLine Type = "output_line"

	// TypeRunFinished is emitted once per Apply with the final outcome.
	TypeRunFinished Type = "run_finished"
)

// StageStatus is the status of a pipeline stage.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// Event is a single observation emitted during a run.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	// Stage progress and output lines.
	Stage  string      `json:"stage,omitempty"`
	Status StageStatus `json:"status,omitempty"`
	Detail string      `json:"detail,omitempty"`

	// Output lines.
	Stream string `json:"stream,omitempty"`
	Line   string `json:"line,omitempty"`

	// Invariant results.
	Invariant *invariant.Result `json:"invariant,omitempty"`

	// Run completion.
	Success *bool `json:"success,omitempty"`
}

// Sink receives pipeline events. Implementations must not block.
type Sink interface {
	StageProgress(runID, stage string, status StageStatus, detail string)
	InvariantChecked(runID string, result invariant.Result)
	OutputLine(runID, stage, stream, line string)
}

// Finisher is optionally implemented by sinks that want the final outcome.
type Finisher interface {
	RunFinished(runID string, success bool, detail string)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) StageProgress(string, string, StageStatus, string) {}
func (NopSink) InvariantChecked(string, invariant.Result)         {}
func (NopSink) OutputLine(string, string, string, string)         {}

// Safe wraps a sink so that panics inside it are logged and swallowed. A
// nil sink becomes NopSink.
func Safe(sink Sink, logger *slog.Logger) Sink {
	if sink == nil {
		return NopSink{}
	}
	if s, ok := sink.(*safeSink); ok {
		return s
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &safeSink{inner: sink, logger: logger}
}

type safeSink struct {
	inner  Sink
	logger *slog.Logger
}

func (s *safeSink) swallow(call string) {
	if r := recover(); r != nil {
		s.logger.Warn("event sink panicked", "call", call, "panic", r)
	}
}

func (s *safeSink) StageProgress(runID, stage string, status StageStatus, detail string) {
	defer s.swallow("StageProgress")
	s.inner.StageProgress(runID, stage, status, detail)
}

func (s *safeSink) InvariantChecked(runID string, result invariant.Result) {
	defer s.swallow("InvariantChecked")
	s.inner.InvariantChecked(runID, result)
}

func (s *safeSink) OutputLine(runID, stage, stream, line string) {
	defer s.swallow("OutputLine")
	s.inner.OutputLine(runID, stage, stream, line)
}

// RunFinished forwards to the wrapped sink when it implements Finisher.
func (s *safeSink) RunFinished(runID string, success bool, detail string) {
	defer s.swallow("RunFinished")
	if f, ok := s.inner.(Finisher); ok {
		f.RunFinished(runID, success, detail)
	}
}

// Fanout returns a sink that forwards every event to each of sinks in
// order. Nil sinks are skipped. Each sink is wrapped with Safe.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, Safe(s, nil))
		}
	}
	return out
}

type fanout []Sink

func (f fanout) StageProgress(runID, stage string, status StageStatus, detail string) {
	for _, s := range f {
		s.StageProgress(runID, stage, status, detail)
	}
}

func (f fanout) InvariantChecked(runID string, result invariant.Result) {
	for _, s := range f {
		s.InvariantChecked(runID, result)
	}
}

func (f fanout) OutputLine(runID, stage, stream, line string) {
	for _, s := range f {
		s.OutputLine(runID, stage, stream, line)
	}
}

func (f fanout) RunFinished(runID string, success bool, detail string) {
	for _, s := range f {
		if fin, ok := s.(Finisher); ok {
			fin.RunFinished(runID, success, detail)
		}
	}
}
