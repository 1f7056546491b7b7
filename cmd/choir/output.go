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
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent/events"
)

var (
	phaseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#20B9B4"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C"))
)

// prettySink renders a turn for a terminal: a header per phase, then its
// streamed content.
type prettySink struct {
	out       io.Writer
	errOut    io.Writer
	yieldOnly bool
	color     bool

	mu sync.Mutex
}

func newPrettySink(out, errOut io.Writer, yieldOnly bool) *prettySink {
	return &prettySink{out: out, errOut: errOut, yieldOnly: yieldOnly, color: isTerminal(out)}
}

func (s *prettySink) style(st lipgloss.Style, text string) string {
	if !s.color {
		return text
	}
	return st.Render(text)
}

func (s *prettySink) Emit(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch ev.Kind {
	case events.KindMetadata:
		// A loop re-enters earlier phases; each entry gets a header.
		if !s.yieldOnly {
			_, err = fmt.Fprintf(s.out, "\n%s\n", s.style(phaseStyle, "== "+ev.Data.Phase+" =="))
		}
	case events.KindChunk:
		if !s.yieldOnly || ev.Data.Phase == "yield" {
			_, err = io.WriteString(s.out, ev.Data.Content)
		}
	case events.KindDone:
		_, err = fmt.Fprintln(s.out)
	case events.KindError:
		_, err = fmt.Fprintf(s.errOut, "\n%s\n", s.style(errorStyle, fmt.Sprintf("error in %s: %s", ev.Data.Phase, ev.Data.Error)))
	}
	return err
}

var _ events.Sink = (*prettySink)(nil)
