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
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent/events"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/datatypes"
)

func newAskCmd(flags *globalFlags) *cobra.Command {
	var (
		threadID  string
		maxLoops  int
		jsonOut   bool
		yieldOnly bool
	)

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Run one turn and stream it to stdout",
		Long: `Runs one turn in-process and streams its events. On a terminal each
phase is printed under a header; otherwise, or with --json, every event
is written as one JSON object per line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger, err := flags.newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer logger.Close()

			req := datatypes.ChatRequest{ThreadID: threadID, Query: args[0]}
			if cmd.Flags().Changed("max-loops") {
				req.MaxLoops = &maxLoops
			}
			if err := req.Validate(cfg.Server.MaxQueryBytes); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}

			ctx := commandContext(cmd)
			svc, err := orchestrator.New(ctx, cfg,
				orchestrator.WithLogger(logger.Slog()),
				orchestrator.WithRegistry(prometheus.NewRegistry()),
			)
			if err != nil {
				return err
			}
			defer svc.Close()

			out := cmd.OutOrStdout()
			var sink events.Sink
			if jsonOut || !isTerminal(out) {
				sink = events.NewWriterSink(out)
			} else {
				sink = newPrettySink(out, cmd.ErrOrStderr(), yieldOnly)
			}

			rec, err := svc.Turns().Run(ctx, req.TurnRequest(), sink)
			if rec != nil && !jsonOut && isTerminal(out) {
				fmt.Fprintf(cmd.ErrOrStderr(), "thread: %s\n", rec.ThreadID)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "continue an existing thread")
	cmd.Flags().IntVar(&maxLoops, "max-loops", 0, "override agent.max_loops for this turn")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "write events as JSON lines")
	cmd.Flags().BoolVar(&yieldOnly, "yield-only", false, "print only the final answer")
	return cmd
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
