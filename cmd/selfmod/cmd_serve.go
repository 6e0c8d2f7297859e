// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/api"
	"github.com/AleutianAI/selfmod/services/selfmod/app"
	"github.com/AleutianAI/selfmod/services/selfmod/config"
	"github.com/AleutianAI/selfmod/services/selfmod/inbox"
	"github.com/AleutianAI/selfmod/services/selfmod/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		addr      string
		withInbox bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and watch the plan inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if withInbox {
				cfg.Inbox.Enabled = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c.logger = c.newLogger(cfg, true)
			defer c.logger.Close()
			logger := c.logger.Slog()

			shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("initializing telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(sctx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("shutdown incomplete", "error", err)
				}
			}()

			return serve(ctx, cfg, a, logger, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&withInbox, "inbox", false, "Watch the plan inbox (overrides inbox.enabled)")
	return cmd
}

// serve runs the HTTP server, and the inbox when enabled, until ctx is
// done. When ready is non-nil it receives the bound address.
func serve(ctx context.Context, cfg *config.Config, a *app.App, logger *slog.Logger, ready chan<- string) error {
	var auth *api.Authenticator
	if cfg.Server.JWTSecret != "" {
		var err error
		if auth, err = api.NewAuthenticator(cfg.Server.JWTSecret); err != nil {
			return err
		}
	} else {
		logger.Warn("server.jwt_secret is empty; mutating endpoints are unauthenticated")
	}

	serviceName := ""
	if cfg.Telemetry.TracingEnabled() {
		serviceName = cfg.Telemetry.ServiceName
	}
	router := api.NewRouter(api.RouterConfig{
		Handlers:    api.NewHandlers(a.Orchestrator, a.Events, logger),
		Auth:        auth,
		ApplyRate:   cfg.Server.ApplyRate,
		ApplyBurst:  cfg.Server.ApplyBurst,
		Metrics:     telemetry.MetricsHandler(),
		ServiceName: serviceName,
		Logger:      logger,
	})

	var in *inbox.Inbox
	if cfg.Inbox.Enabled {
		var err error
		in, err = inbox.New(inbox.Config{
			Dir:    cfg.Inbox.Dir,
			Rate:   cfg.Inbox.Rate,
			Burst:  cfg.Inbox.Burst,
			Logger: logger,
		}, a.Orchestrator)
		if err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("selfmod API listening", "addr", ln.Addr().String(), "auth", auth != nil)
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		// Hijacked websocket connections end when their streams close.
		a.Events.Close()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		logger.Info("selfmod API stopped")
		return nil
	})

	if in != nil {
		g.Go(func() error { return in.Run(gctx) })
	}

	return g.Wait()
}
