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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/selfmod/pkg/ux"
	"github.com/AleutianAI/selfmod/services/selfmod/api"
	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/AleutianAI/selfmod/services/selfmod/tui"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var errNeedsConfirmation = errors.New("refusing to roll back without --yes in a non-interactive session")

// confirmFunc asks the user to confirm a rollback.
type confirmFunc func(ref string) (bool, error)

func huhConfirm(ref string) (bool, error) {
	ok := false
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Reset the live tree to %s?", ux.ShortRef(ref))).
		Description("Uncommitted changes to tracked files will be discarded.").
		Affirmative("Roll back").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

func newRollbackCmd(c *cli) *cobra.Command {
	return newRollbackCmdWith(c, huhConfirm, ux.IsInteractive)
}

func newRollbackCmdWith(c *cli, confirm confirmFunc, interactive func() bool) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollback <ref>",
		Short: "Reset the live tree to a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			if !yes {
				if !interactive() {
					return errNeedsConfirmation
				}
				ok, err := confirm(ref)
				if err != nil {
					return err
				}
				if !ok {
					c.printer.Info("rollback cancelled")
					return nil
				}
			}

			a, err := c.openApp(false)
			if err != nil {
				return err
			}
			defer c.closeApp(a)

			ok := a.Orchestrator.Rollback(cmd.Context(), ref)
			if c.flags.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), api.RollbackResponse{Ref: ref, Success: ok}); err != nil {
					return err
				}
			}
			if !ok {
				return &exitError{code: exitRunFailed, msg: "rollback to " + ref + " failed"}
			}
			if !c.flags.jsonOut {
				c.printer.Success("rolled back to " + ux.ShortRef(ref))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newCheckpointCmd(c *cli) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Record a checkpoint of the live tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(false)
			if err != nil {
				return err
			}
			defer c.closeApp(a)

			ref := a.Orchestrator.Checkpoint(cmd.Context(), message)
			if ref == "" {
				return errors.New("checkpoint unavailable: version control is disabled or the project is not a git repository")
			}
			if c.flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), api.CheckpointResponse{Ref: ref})
			}
			c.printer.Success("checkpoint " + ref)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "selfmod: manual checkpoint", "Commit message")
	return cmd
}

func newHistoryCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(false)
			if err != nil {
				return err
			}
			defer c.closeApp(a)

			if a.History == nil {
				c.printer.Warning("history is disabled; only runs from this process are kept")
			}
			runs, err := recentRuns(cmd, a.Orchestrator, limit)
			if err != nil {
				return err
			}
			if c.flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), api.HistoryResponse{Runs: runs})
			}
			tui.RenderHistory(c.printer, runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to show (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(false)
			if err != nil {
				return err
			}
			defer c.closeApp(a)

			res, err := a.Orchestrator.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			tui.RenderResult(c.printer, res)
			return nil
		},
	})
	return cmd
}

func recentRuns(cmd *cobra.Command, o *orchestrator.Orchestrator, limit int) ([]*orchestrator.ApplyResult, error) {
	if store := o.Store(); store != nil {
		runs, err := store.List(cmd.Context(), limit)
		if err != nil {
			return nil, fmt.Errorf("listing history: %w", err)
		}
		return runs, nil
	}
	mem := o.History()
	runs := make([]*orchestrator.ApplyResult, 0, len(mem))
	for i := len(mem) - 1; i >= 0; i-- {
		runs = append(runs, mem[i])
		if limit > 0 && len(runs) == limit {
			break
		}
	}
	return runs, nil
}

func newTokenCmd(c *cli) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			auth, err := api.NewAuthenticator(cfg.Server.JWTSecret)
			if err != nil {
				return fmt.Errorf("set server.jwt_secret or SELFMOD_JWT_SECRET: %w", err)
			}
			token, err := auth.IssueToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
