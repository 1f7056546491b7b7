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
	"time"

	"github.com/spf13/cobra"

	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/datatypes"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
)

func newThreadsCmd(flags *globalFlags) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "threads <threadId>",
		Short: "Print the persisted turns of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := args[0]
			if !datatypes.ValidThreadID(threadID) {
				return fmt.Errorf("invalid thread id %q", threadID)
			}
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger, err := flags.newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx := commandContext(cmd)
			store, closeStore, err := orchestrator.OpenStore(ctx, cfg, logger.Slog())
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := store.History(ctx, threadID, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("thread %s: %w", threadID, turn.ErrNotFound)
			}

			out := cmd.OutOrStdout()
			if jsonOut || !isTerminal(out) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(datatypes.ThreadTurnsResponse{ThreadID: threadID, Turns: records})
			}
			printRecords(out, records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the most recent turns")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "write the turns as JSON")
	return cmd
}

func printRecords(w io.Writer, records []turn.Record) {
	for i, rec := range records {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s] %s (loops: %d)\n", rec.Timestamp.Local().Format(time.DateTime), rec.TurnID, rec.LoopCount)
		fmt.Fprintf(w, "> %s\n", rec.UserQuery)
		fmt.Fprintln(w, rec.Content)
	}
}
