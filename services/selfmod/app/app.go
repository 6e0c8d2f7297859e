// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles the selfmod components from a config.Config.
package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/selfmod/services/selfmod/checkpoint"
	"github.com/AleutianAI/selfmod/services/selfmod/config"
	"github.com/AleutianAI/selfmod/services/selfmod/edit"
	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/history"
	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/AleutianAI/selfmod/services/selfmod/policy"
	"github.com/AleutianAI/selfmod/services/selfmod/sandbox"
	"github.com/AleutianAI/selfmod/services/selfmod/verify"
)

// App holds a wired orchestrator and the components it owns.
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Events       *events.Emitter
	Snapshotter  *sandbox.Snapshotter
	Checkpoints  *checkpoint.Manager

	// History is nil when history.disabled is set.
	History *history.Store

	logger *slog.Logger
}

// Option adjusts an App under construction.
type Option func(*options)

type options struct {
	checker invariant.Checker
	sinks   []events.Sink
}

// WithChecker overrides the invariant checker built from the config.
func WithChecker(c invariant.Checker) Option {
	return func(o *options) { o.checker = c }
}

// WithSink forwards every event to sink as well as to the App's emitter.
func WithSink(sink events.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink) }
}

// New builds every component described by cfg.
//
// # Inputs
//
//   - cfg: Resolved configuration (see config.Load).
//   - logger: Base logger. Uses slog.Default() if nil.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *App: Ready to apply plans. Caller must Close it.
//   - error: Non-nil if a component cannot be created.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	emitter := events.NewEmitter(events.WithLogger(logger))
	a := &App{Config: cfg, Events: emitter, logger: logger.With("component", "app.App")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Snapshotter, err = sandbox.New(sandbox.Config{
		ProjectRoot:      cfg.ProjectRoot,
		SandboxRoot:      cfg.SandboxRoot,
		StateDir:         cfg.StateDir,
		RespectGitignore: cfg.RespectGitignore,
		ProvisionCommand: cfg.ProvisionCommand,
		AutoProvision:    cfg.AutoProvision,
		ProvisionTimeout: cfg.ProvisionTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating snapshotter: %w", err)
	}

	guard, err := policy.NewGuard(policy.Config{
		ProjectRoot:    cfg.ProjectRoot,
		MaxEdits:       cfg.MaxEdits,
		ProtectedPaths: cfg.ProtectedPaths,
		SandboxRoot:    cfg.SandboxRoot,
		StateDir:       cfg.StateDir,
		ScanSecrets:    cfg.ScanSecrets,
		Excluder:       a.Snapshotter,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating policy guard: %w", err)
	}

	a.Checkpoints, err = checkpoint.NewManager(checkpoint.Config{
		ProjectRoot:  cfg.ProjectRoot,
		Enabled:      cfg.VersionControl,
		AuthorName:   cfg.GitAuthorName,
		AuthorEmail:  cfg.GitAuthorEmail,
		Timeout:      cfg.GitTimeout,
		ExcludePaths: []string{cfg.SandboxRoot, cfg.StateDir},
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint manager: %w", err)
	}

	checker := o.checker
	if checker == nil && cfg.Invariants != nil {
		checker = *cfg.Invariants
	}

	sink := events.Sink(emitter)
	if len(o.sinks) > 0 {
		sink = events.Fanout(append([]events.Sink{emitter}, o.sinks...)...)
	}

	runner := verify.NewRunner(verify.Config{
		BuildCommand:     cfg.BuildCommand,
		TestCommand:      cfg.TestCommand,
		RuntimeCommand:   cfg.RuntimeCommand,
		BuildTimeout:     cfg.BuildTimeout,
		TestTimeout:      cfg.TestTimeout,
		RuntimeDuration:  cfg.RuntimeDuration,
		InvariantTimeout: cfg.InvariantTimeout,
		SkipTests:        cfg.SkipTests,
		SkipRuntimeCheck: cfg.SkipRuntimeCheck,
		Checker:          checker,
		Sink:             sink,
		Logger:           logger,
	})

	var store orchestrator.HistoryStore
	if !cfg.History.Disabled {
		hcfg := history.DefaultConfig(cfg.History.Path)
		if cfg.History.InMemory {
			hcfg = history.InMemoryConfig()
		}
		hcfg.Keep = cfg.History.Keep
		hcfg.Logger = logger
		a.History, err = history.Open(hcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		store = a.History
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		ProjectRoot:              cfg.ProjectRoot,
		Guard:                    guard,
		Snapshotter:              a.Snapshotter,
		Applier:                  edit.NewApplier(logger),
		Verifier:                 runner,
		Checkpoints:              a.Checkpoints,
		Sink:                     sink,
		Store:                    store,
		RebuildCommand:           cfg.RebuildCommand,
		RebuildTimeout:           cfg.RebuildTimeout,
		RollbackOnRebuildFailure: cfg.RollbackOnRebuildFailure,
		TracingEnabled:           cfg.Telemetry.TracingEnabled(),
		MetricsEnabled:           cfg.Telemetry.MetricsEnabled(),
		Logger:                   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	if n, err := a.Snapshotter.Prune(); err != nil {
		a.logger.Warn("pruning stale workspaces failed", "error", err)
	} else if n > 0 {
		a.logger.Info("removed stale workspaces", "count", n)
	}
	return a, nil
}

// Close shuts the orchestrator down, then the history store and the
// event emitter.
func (a *App) Close() error {
	var errs []error
	if a.Orchestrator != nil {
		errs = append(errs, a.Orchestrator.Close())
	}
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	if a.Events != nil {
		a.Events.Close()
	}
	return errors.Join(errs...)
}
