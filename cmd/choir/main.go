// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command choir runs the Choir phase orchestrator.
//
//	choir serve                    # HTTP, SSE and WebSocket API
//	choir ask "what is a choir?"   # one turn, streamed to stdout
//	choir threads <thread-id>      # persisted turns of a thread
//
// Configuration comes from --config (YAML) and CHOIR_* variables.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
