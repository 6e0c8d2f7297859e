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
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/AleutianAI/selfmod/pkg/ux"
	"github.com/AleutianAI/selfmod/services/selfmod/api"
	"github.com/AleutianAI/selfmod/services/selfmod/app"
	"github.com/AleutianAI/selfmod/services/selfmod/config"
	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/AleutianAI/selfmod/services/selfmod/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newInitCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default selfmod.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.flags.configPath
			if path == "" {
				path = filepath.Join(c.flags.dir, config.FileName)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			c.printer.Success("wrote " + path)
			c.printer.Hint("set build_command and test_command, then run: selfmod validate <plan.yaml>")
			return nil
		},
	}
}

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan>",
		Short: "Policy check a plan without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			a, err := c.openApp(false)
			if err != nil {
				return err
			}
			defer c.closeApp(a)

			res := a.Orchestrator.Validate(p)
			if c.flags.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), api.ValidateResponse{PlanID: p.ID, Result: res}); err != nil {
					return err
				}
			} else {
				tui.RenderValidation(c.printer, p.ID, res)
			}
			if !res.Valid {
				return &exitError{code: exitRunFailed}
			}
			return nil
		},
	}
}

func newApplyCmd(c *cli) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "apply <plan>",
		Short: "Apply a plan to the project",
		Long: `Apply validates the plan, records a checkpoint, applies the edits in an
isolated workspace, verifies them and promotes the changed files. The live
tree is untouched unless verification passes.

Exit status is 0 on success, 2 when the run was rejected and 3 when another
modification holds the pipeline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var result *orchestrator.ApplyResult
			if watch && !c.flags.jsonOut && ux.ShouldShowProgress() && ux.IsInteractive() {
				result, err = c.applyWatched(ctx, cmd, p)
			} else {
				result, err = c.applyPlain(ctx, p)
			}
			if err != nil {
				if errors.Is(err, orchestrator.ErrBusy) {
					return &exitError{code: exitBusy, msg: err.Error()}
				}
				return err
			}

			if c.flags.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				tui.RenderResult(c.printer, result)
			}
			if !result.Success {
				return &exitError{code: exitRunFailed}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Show live stage progress")
	return cmd
}

func (c *cli) applyPlain(ctx context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
	a, err := c.openApp(false)
	if err != nil {
		return nil, err
	}
	defer c.closeApp(a)

	c.printer.Muted(fmt.Sprintf("applying %s (%d edits)", planLabel(p), p.Len()))
	return a.Orchestrator.Apply(ctx, p)
}

func (c *cli) applyWatched(ctx context.Context, cmd *cobra.Command, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error) {
	sink := tui.NewChannelSink(512)
	a, err := c.openApp(false, app.WithSink(sink))
	if err != nil {
		return nil, err
	}
	defer c.closeApp(a)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan tui.DoneMsg, 1)
	run := func() tui.DoneMsg {
		res, err := a.Orchestrator.Apply(ctx, p)
		msg := tui.DoneMsg{Result: res, Err: err}
		finished <- msg
		return msg
	}

	model := tui.NewRunModel("Applying "+planLabel(p), sink, run, cancel)
	prog := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(cmd.OutOrStdout()))
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		c.logger.Warn("progress display failed", "error", err)
	}

	select {
	case done := <-finished:
		return done.Result, done.Err
	default:
	}
	c.printer.Muted("waiting for the run to finish")
	done := <-finished
	return done.Result, done.Err
}

func planLabel(p *plan.ModificationPlan) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
