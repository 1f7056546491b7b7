// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"fmt"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// DefaultMaxLoops is the loop cap when the request does not set one.
const DefaultMaxLoops = 2

// TurnConfig is everything the machine needs to know about one turn.
//
// Description:
//
//	Built once per turn from a configuration snapshot and never mutated
//	afterwards. Use the With* methods to derive a variant; they copy.
//
// Thread Safety:
//
//	Safe to share once built. Callers must not write to the maps.
type TurnConfig struct {
	// Pipeline is the phase order. Empty means DefaultPipeline.
	Pipeline Pipeline

	// Default is used for phases without an entry in Providers.
	Default llm.ProviderConfig

	// Providers binds individual phases to other backends.
	Providers map[PhaseID]llm.ProviderConfig

	// Tools lists tool names bound per phase. Only tool-eligible phases
	// are consulted.
	Tools map[PhaseID][]string

	// MaxLoops caps UNDERSTANDING -> first phase back-edges.
	MaxLoops int

	Prompts Prompts

	// YieldOnUnderstandingError proceeds to YIELD when the UNDERSTANDING
	// call fails instead of halting the turn.
	YieldOnUnderstandingError bool
}

// Validate checks the config before a turn starts.
func (c TurnConfig) Validate() error {
	if err := c.pipeline().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MaxLoops < 0 {
		return fmt.Errorf("%w: max_loops must not be negative", ErrInvalidConfig)
	}
	for _, p := range c.pipeline() {
		pc := c.ProviderFor(p)
		if pc.Provider == "" || pc.Model == "" {
			return fmt.Errorf("%w: no provider bound for phase %s", ErrInvalidConfig, p)
		}
	}
	for p := range c.Providers {
		if !p.Valid() {
			return fmt.Errorf("%w: provider bound to unknown phase %q", ErrInvalidConfig, p)
		}
	}
	return nil
}

// ProviderFor returns the binding for phase.
func (c TurnConfig) ProviderFor(phase PhaseID) llm.ProviderConfig {
	if pc, ok := c.Providers[phase]; ok {
		return pc
	}
	return c.Default
}

// ToolsFor returns the tool names bound to phase. It is empty for phases
// that may not call tools.
func (c TurnConfig) ToolsFor(phase PhaseID) []string {
	if !phase.IsToolEligible() {
		return nil
	}
	return c.Tools[phase]
}

// ModelMetadata maps every phase of the pipeline to "provider/model".
func (c TurnConfig) ModelMetadata() map[string]string {
	out := make(map[string]string, len(c.pipeline()))
	for _, p := range c.pipeline() {
		out[string(p)] = c.ProviderFor(p).String()
	}
	return out
}

// WithMaxLoops returns a copy with a different loop cap.
func (c TurnConfig) WithMaxLoops(n int) TurnConfig {
	out := c.Clone()
	out.MaxLoops = n
	return out
}

// Clone returns a deep copy.
func (c TurnConfig) Clone() TurnConfig {
	out := c
	out.Pipeline = c.Pipeline.Clone()
	if c.Providers != nil {
		out.Providers = make(map[PhaseID]llm.ProviderConfig, len(c.Providers))
		for k, v := range c.Providers {
			out.Providers[k] = v
		}
	}
	if c.Tools != nil {
		out.Tools = make(map[PhaseID][]string, len(c.Tools))
		for k, v := range c.Tools {
			out.Tools[k] = append([]string(nil), v...)
		}
	}
	if c.Prompts.Phases != nil {
		out.Prompts.Phases = make(map[PhaseID]string, len(c.Prompts.Phases))
		for k, v := range c.Prompts.Phases {
			out.Prompts.Phases[k] = v
		}
	}
	return out
}

func (c TurnConfig) pipeline() Pipeline {
	if len(c.Pipeline) == 0 {
		return DefaultPipeline()
	}
	return c.Pipeline
}
