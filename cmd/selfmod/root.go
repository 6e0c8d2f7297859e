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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/selfmod/pkg/logging"
	"github.com/AleutianAI/selfmod/pkg/ux"
	"github.com/AleutianAI/selfmod/services/selfmod/app"
	"github.com/AleutianAI/selfmod/services/selfmod/config"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitRunFailed = 2
	exitBusy      = 3
)

// exitError ends the process with code. An empty msg means the command
// already printed its own report.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	dir         string
	personality string
	verbose     bool
	jsonOut     bool
}

// cli carries state for one invocation.
type cli struct {
	flags   globalFlags
	printer *ux.Printer

	// logger is created by openApp and closed by closeApp.
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{printer: ux.Default}

	root := &cobra.Command{
		Use:   "selfmod",
		Short: "Apply modification plans to a project safely",
		Long: `selfmod applies a plan of file edits to a project. Each plan is
policy checked, applied in an isolated workspace, built and tested there,
and only then promoted to the live tree between two git checkpoints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ux.InitPersonality(c.flags.personality)
			if c.flags.jsonOut {
				ux.SetPersonalityLevel(ux.PersonalityMachine)
			}
			c.printer = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.flags.configPath, "config", "c", "", "Path to selfmod.yaml (default: <dir>/selfmod.yaml if present)")
	pf.StringVarP(&c.flags.dir, "dir", "C", ".", "Project directory")
	pf.StringVar(&c.flags.personality, "personality", "", "Output style: full, minimal, or machine")
	pf.BoolVarP(&c.flags.verbose, "verbose", "v", false, "Show info-level logs on stderr")
	pf.BoolVar(&c.flags.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		newInitCmd(c),
		newValidateCmd(c),
		newApplyCmd(c),
		newRollbackCmd(c),
		newCheckpointCmd(c),
		newHistoryCmd(c),
		newServeCmd(c),
		newTokenCmd(c),
	)
	return root
}

// loadConfig reads the configuration for this invocation.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.flags.configPath, c.flags.dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Commands other than serve keep the
// console at warn unless --verbose is set; the log file, if configured,
// always receives the configured level.
func (c *cli) newLogger(cfg *config.Config, server bool) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if !server && !c.flags.verbose && level < logging.LevelWarn {
		level = logging.LevelWarn
	}
	if c.flags.verbose && level > logging.LevelInfo {
		level = logging.LevelInfo
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "selfmod",
		JSON:    cfg.Logging.JSON || !ux.IsTerminal(os.Stderr),
		Quiet:   cfg.Logging.Quiet,
	})
}

// openApp loads config and wires the pipeline.
func (c *cli) openApp(server bool, opts ...app.Option) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	c.logger = c.newLogger(cfg, server)
	a, err := app.New(cfg, c.logger.Slog(), opts...)
	if err != nil {
		_ = c.logger.Close()
		return nil, err
	}
	return a, nil
}

func (c *cli) closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		c.logger.Warn("shutdown incomplete", "error", err)
	}
	_ = c.logger.Close()
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
