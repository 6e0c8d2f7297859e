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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "selfmod.orchestrator"

// Tracer provides OpenTelemetry tracing for pipeline runs.
//
// # Description
//
// Wraps the OpenTelemetry tracer with one span per Apply ("selfmod.apply")
// and a child span per stage. When disabled, returns noop spans.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a new pipeline tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartApply starts the root span of one Apply.
func (t *Tracer) StartApply(ctx context.Context, runID, planID string, edits int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "selfmod.apply",
		trace.WithAttributes(
			attribute.String("selfmod.run_id", runID),
			attribute.String("selfmod.plan_id", truncateForTrace(planID, 64)),
			attribute.Int("selfmod.edits", edits),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "starting apply",
		slog.String("run_id", runID),
		slog.String("plan_id", planID),
	)
	return ctx, span
}

// EndApply completes the root span.
func (t *Tracer) EndApply(span trace.Span, result *ApplyResult) {
	if span == nil {
		return
	}
	defer span.End()

	if result == nil {
		return
	}
	span.SetAttributes(
		attribute.Bool("selfmod.success", result.Success),
		attribute.String("selfmod.pre_checkpoint", truncateForTrace(result.PreCheckpoint, 40)),
		attribute.String("selfmod.post_checkpoint", truncateForTrace(result.PostCheckpoint, 40)),
		attribute.Int("selfmod.promoted_files", len(result.PromotedFiles)),
	)
	if result.Success {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(attribute.String("selfmod.failure_kind", string(result.FailureKind)))
	span.SetStatus(codes.Error, truncateForTrace(result.Error, 200))
}

// StartStage starts a child span for one stage.
func (t *Tracer) StartStage(ctx context.Context, state State) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "selfmod."+string(state),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndStage completes a stage span. A non-empty failure marks it as an
// error.
func (t *Tracer) EndStage(span trace.Span, failure string) {
	if span == nil {
		return
	}
	defer span.End()

	if failure != "" {
		span.SetStatus(codes.Error, truncateForTrace(failure, 200))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartRollback starts a span for an operator or automatic rollback.
func (t *Tracer) StartRollback(ctx context.Context, ref, reason string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "selfmod.rollback",
		trace.WithAttributes(
			attribute.String("selfmod.ref", truncateForTrace(ref, 40)),
			attribute.String("selfmod.reason", reason),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRollback completes a rollback span.
func (t *Tracer) EndRollback(span trace.Span, ok bool) {
	if span == nil {
		return
	}
	defer span.End()

	span.SetAttributes(attribute.Bool("selfmod.rollback_ok", ok))
	if !ok {
		span.SetStatus(codes.Error, "rollback failed")
		return
	}
	span.SetStatus(codes.Ok, "")
}

// truncateForTrace limits attribute values to max bytes.
func truncateForTrace(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
