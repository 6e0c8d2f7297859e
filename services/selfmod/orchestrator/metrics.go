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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for pipeline metrics.
var meter = otel.Meter("selfmod.orchestrator")

// Metric instruments.
var (
	applyTotal       metric.Int64Counter
	applyDuration    metric.Float64Histogram
	stageDuration    metric.Float64Histogram
	rollbackTotal    metric.Int64Counter
	activeWorkspaces metric.Int64UpDownCounter
	promotedFiles    metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		applyTotal, err = meter.Int64Counter(
			"selfmod_apply_total",
			metric.WithDescription("Total number of Apply calls by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyDuration, err = meter.Float64Histogram(
			"selfmod_apply_duration_seconds",
			metric.WithDescription("Duration of Apply calls in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stageDuration, err = meter.Float64Histogram(
			"selfmod_stage_duration_seconds",
			metric.WithDescription("Duration of pipeline stages in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"selfmod_rollback_total",
			metric.WithDescription("Total number of live-tree rollbacks"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeWorkspaces, err = meter.Int64UpDownCounter(
			"selfmod_active_workspaces",
			metric.WithDescription("Number of workspaces currently alive"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		promotedFiles, err = meter.Int64Histogram(
			"selfmod_promoted_files",
			metric.WithDescription("Number of live files changed per successful Apply"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func metricsReady() bool {
	return metricsEnabled.Load() && initMetrics() == nil
}

// recordApply records the outcome of one Apply.
func recordApply(ctx context.Context, result *ApplyResult) {
	if !metricsReady() || result == nil {
		return
	}

	status := "success"
	if !result.Success {
		status = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("failure_kind", string(result.FailureKind)),
	)

	applyTotal.Add(ctx, 1, attrs)
	applyDuration.Record(ctx, result.Duration.Seconds(), attrs)
	if result.Success {
		promotedFiles.Record(ctx, int64(len(result.PromotedFiles)))
	}
}

// recordStage records how long a stage took.
func recordStage(ctx context.Context, state State, d time.Duration, ok bool) {
	if !metricsReady() {
		return
	}
	stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(state)),
		attribute.Bool("ok", ok),
	))
}

// recordRollback records a rollback attempt.
func recordRollback(ctx context.Context, reason string, success bool) {
	if !metricsReady() {
		return
	}
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.Bool("success", success),
	))
}

// recordWorkspace adjusts the live workspace gauge by delta.
func recordWorkspace(ctx context.Context, delta int64) {
	if !metricsReady() {
		return
	}
	activeWorkspaces.Add(ctx, delta)
}
