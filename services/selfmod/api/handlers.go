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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxPlanBytes bounds a plan document request body.
const maxPlanBytes = 8 << 20

// Handlers serves the selfmod HTTP API.
//
// # Thread Safety
//
// Safe for concurrent use. Apply requests are serialized by the pipeline.
type Handlers struct {
	pipeline Pipeline
	events   *events.Emitter
	logger   *slog.Logger
}

// NewHandlers creates handlers for pipeline. emitter may be nil, in which
// case the event stream endpoint reports 503.
func NewHandlers(pipeline Pipeline, emitter *events.Emitter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		pipeline: pipeline,
		events:   emitter,
		logger:   logger.With("component", "api.Handlers"),
	}
}

// HandleHealth handles GET /v1/selfmod/health.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		State:   h.pipeline.State(),
	}
	if ws := h.pipeline.ActiveWorkspace(); ws != nil {
		resp.Workspace = ws.ID
	}
	c.JSON(http.StatusOK, resp)
}

// HandleValidate handles POST /v1/selfmod/validate.
//
// Description:
//
//	Decodes a plan document and runs the policy guard on it. Nothing is
//	changed on disk.
//
// Response:
//
//	200 OK: ValidateResponse (valid or not)
//	400 Bad Request: Malformed plan document
func (h *Handlers) HandleValidate(c *gin.Context) {
	logger := h.requestLogger(c, "HandleValidate")

	p, ok := h.bindPlan(c, logger)
	if !ok {
		return
	}
	res := h.pipeline.Validate(p)
	logger.Info("plan validated", "plan_id", p.ID, "valid", res.Valid)
	c.JSON(http.StatusOK, ValidateResponse{PlanID: p.ID, Result: res})
}

// HandleApply handles POST /v1/selfmod/apply.
//
// Description:
//
//	Runs the full modification pipeline synchronously. When another run
//	is in flight the request fails immediately with 409 unless
//	?wait=true is given, in which case it waits for as long as the client
//	keeps the request open.
//
// Response:
//
//	200 OK: ApplyResult with success=true
//	422 Unprocessable Entity: ApplyResult with success=false
//	400 Bad Request: Malformed plan document
//	409 Conflict: Another modification is in progress
func (h *Handlers) HandleApply(c *gin.Context) {
	logger := h.requestLogger(c, "HandleApply")

	p, ok := h.bindPlan(c, logger)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		ctx = noWait(ctx)
	}

	res, err := h.pipeline.Apply(ctx, p)
	if err != nil {
		status, code := http.StatusInternalServerError, "APPLY_FAILED"
		switch {
		case errors.Is(err, orchestrator.ErrBusy):
			status, code = http.StatusConflict, "BUSY"
		case errors.Is(err, orchestrator.ErrClosed):
			status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
		}
		logger.Warn("apply rejected", "plan_id", p.ID, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("apply finished",
		"plan_id", p.ID,
		"run_id", res.RunID,
		"success", res.Success,
		"failure_kind", res.FailureKind)

	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleRollback handles POST /v1/selfmod/rollback.
//
// Response:
//
//	200 OK: RollbackResponse with success=true
//	400 Bad Request: Missing ref
//	409 Conflict: RollbackResponse with success=false
func (h *Handlers) HandleRollback(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRollback")

	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	ok := h.pipeline.Rollback(c.Request.Context(), req.Ref)
	logger.Info("rollback requested", "ref", req.Ref, "success", ok)

	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	c.JSON(status, RollbackResponse{Ref: req.Ref, Success: ok})
}

// HandleCheckpoint handles POST /v1/selfmod/checkpoint.
//
// Response:
//
//	201 Created: CheckpointResponse
//	409 Conflict: Version control disabled or nothing could be recorded
func (h *Handlers) HandleCheckpoint(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCheckpoint")

	var req CheckpointRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
			return
		}
	}
	if req.Message == "" {
		req.Message = "selfmod: manual checkpoint"
	}

	ref := h.pipeline.Checkpoint(c.Request.Context(), req.Message)
	if ref == "" {
		logger.Warn("checkpoint not created")
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "checkpoint not created; version control may be disabled",
			Code:  "CHECKPOINT_UNAVAILABLE",
		})
		return
	}
	logger.Info("checkpoint created", "ref", ref)
	c.JSON(http.StatusCreated, CheckpointResponse{Ref: ref})
}

// HandleHistory handles GET /v1/selfmod/history.
//
// Query Parameters:
//
//	limit: maximum number of runs (default 20, 0 for all)
//
// Response:
//
//	200 OK: HistoryResponse, newest first
func (h *Handlers) HandleHistory(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer", Code: "INVALID_LIMIT"})
			return
		}
		limit = n
	}

	if store := h.pipeline.Store(); store != nil {
		runs, err := store.List(c.Request.Context(), limit)
		if err != nil {
			h.requestLogger(c, "HandleHistory").Error("listing history failed", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "HISTORY_FAILED"})
			return
		}
		c.JSON(http.StatusOK, HistoryResponse{Runs: nonNil(runs)})
		return
	}

	mem := h.pipeline.History()
	runs := make([]*orchestrator.ApplyResult, 0, len(mem))
	for i := len(mem) - 1; i >= 0; i-- {
		if limit > 0 && len(runs) >= limit {
			break
		}
		runs = append(runs, mem[i])
	}
	c.JSON(http.StatusOK, HistoryResponse{Runs: runs})
}

// HandleRun handles GET /v1/selfmod/runs/:id.
//
// Response:
//
//	200 OK: ApplyResult
//	404 Not Found: Unknown run
func (h *Handlers) HandleRun(c *gin.Context) {
	id := c.Param("id")
	res, err := h.pipeline.Result(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "RUN_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "HISTORY_FAILED"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) bindPlan(c *gin.Context, logger *slog.Logger) (*plan.ModificationPlan, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPlanBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return nil, false
	}
	if len(body) > maxPlanBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "plan document too large", Code: "PLAN_TOO_LARGE"})
		return nil, false
	}
	p, err := plan.Parse(body)
	if err != nil {
		logger.Warn("Invalid plan document", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_PLAN"})
		return nil, false
	}
	return p, true
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// noWait returns a context that is already done, so a busy pipeline is
// reported at once instead of queued.
func noWait(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	cancel()
	return ctx
}

func nonNil(runs []*orchestrator.ApplyResult) []*orchestrator.ApplyResult {
	if runs == nil {
		return []*orchestrator.ApplyResult{}
	}
	return runs
}
