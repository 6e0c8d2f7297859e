// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"

	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/AleutianAI/selfmod/services/selfmod/policy"
	"github.com/AleutianAI/selfmod/services/selfmod/sandbox"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// Pipeline is the subset of *orchestrator.Orchestrator the handlers use.
type Pipeline interface {
	Apply(ctx context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error)
	Validate(p *plan.ModificationPlan) *policy.Result
	Rollback(ctx context.Context, ref string) bool
	Checkpoint(ctx context.Context, message string) string
	History() []*orchestrator.ApplyResult
	Result(ctx context.Context, runID string) (*orchestrator.ApplyResult, error)
	State() orchestrator.State
	ActiveWorkspace() *sandbox.Workspace
	Store() orchestrator.HistoryStore
}

var _ Pipeline = (*orchestrator.Orchestrator)(nil)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details lists individual problems, such as policy violations.
	Details []string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string             `json:"status"`
	Version string             `json:"version"`
	State   orchestrator.State `json:"state"`

	// Workspace is the active workspace ID while a run is in flight.
	Workspace string `json:"workspace,omitempty"`
}

// ValidateResponse is returned by POST /validate.
type ValidateResponse struct {
	PlanID string `json:"plan_id"`
	*policy.Result
}

// RollbackRequest is the body of POST /rollback.
type RollbackRequest struct {
	Ref string `json:"ref" binding:"required"`
}

// RollbackResponse reports the rollback outcome.
type RollbackResponse struct {
	Ref     string `json:"ref"`
	Success bool   `json:"success"`
}

// CheckpointRequest is the body of POST /checkpoint.
type CheckpointRequest struct {
	Message string `json:"message"`
}

// CheckpointResponse carries the new checkpoint reference.
type CheckpointResponse struct {
	Ref string `json:"ref"`
}

// HistoryResponse lists runs, newest first.
type HistoryResponse struct {
	Runs []*orchestrator.ApplyResult `json:"runs"`
}
