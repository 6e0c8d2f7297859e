// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the modification pipeline over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Handlers *Handlers

	// Auth protects mutating endpoints and the event stream. Nil disables
	// authentication.
	Auth *Authenticator

	// ApplyRate and ApplyBurst throttle /apply and /rollback.
	ApplyRate  float64
	ApplyBurst int

	// Metrics is served at /metrics when non-nil.
	Metrics http.Handler

	// ServiceName names the otelgin spans. Empty disables HTTP tracing.
	ServiceName string

	Logger *slog.Logger
}

// RegisterRoutes registers all /v1/selfmod/* endpoints.
//
// Description:
//
//	Read-only endpoints are always open. Mutating endpoints and the event
//	stream sit behind auth when it is non-nil; apply and rollback also sit
//	behind limit.
//
// Endpoints:
//
//	GET  /v1/selfmod/health        - Liveness and pipeline state
//	GET  /v1/selfmod/history       - Recent runs, newest first
//	GET  /v1/selfmod/runs/:id      - One run
//	POST /v1/selfmod/validate      - Policy check a plan document
//	POST /v1/selfmod/apply         - Apply a plan document
//	POST /v1/selfmod/rollback      - Reset the live tree to a checkpoint
//	POST /v1/selfmod/checkpoint    - Record a checkpoint now
//	GET  /v1/selfmod/events/stream - Websocket event stream
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers, auth *Authenticator, limit gin.HandlerFunc) {
	sm := rg.Group("/selfmod")
	sm.GET("/health", h.HandleHealth)
	sm.GET("/history", h.HandleHistory)
	sm.GET("/runs/:id", h.HandleRun)

	protected := sm.Group("")
	if auth != nil {
		protected.Use(auth.Middleware())
	}
	protected.POST("/validate", h.HandleValidate)
	protected.POST("/checkpoint", h.HandleCheckpoint)
	protected.GET("/events/stream", h.HandleEventStream)

	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}
	protected.POST("/apply", limit, h.HandleApply)
	protected.POST("/rollback", limit, h.HandleRollback)
}

// NewRouter builds the gin engine for `selfmod serve`.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(accessLog(logger.With("component", "api.Router")))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, cfg.Handlers, cfg.Auth, RateLimit(cfg.ApplyRate, cfg.ApplyBurst))

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	return router
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
