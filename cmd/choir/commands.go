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
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/yusefmosiah/Choir.chat-sub000/pkg/logging"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	offline    bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "choir",
		Short: "Phase-structured multi-model conversation orchestrator",
		Long: `Choir runs every user turn through a fixed sequence of phases
(action, experience, intention, observation, understanding, yield),
each bound to its own model, and streams the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("CHOIR_CONFIG"), "path to the YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.offline, "offline", false, "use the built-in offline provider for every phase")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log to stderr in one-shot commands")

	root.AddCommand(newServeCmd(flags), newAskCmd(flags), newThreadsCmd(flags))
	return root
}

// loadConfig loads the config file and applies the global flags.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.offline {
		cfg.Offline = true
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. quiet drops stderr output so a
// one-shot command's stdout stays clean.
func (f *globalFlags) newLogger(cfg *config.Config, quiet bool) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
		Quiet:   quiet && !f.verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger.Slog())
	return logger, nil
}
