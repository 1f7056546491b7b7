// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs a user query through the phase pipeline.
//
// A turn visits ACTION, EXPERIENCE, INTENTION, OBSERVATION and
// UNDERSTANDING in order. UNDERSTANDING either loops back to the first phase
// or hands off to YIELD, which produces the final answer. Every phase calls
// a language model through the llm adapter; EXPERIENCE and OBSERVATION may
// additionally call tools.
//
// Thread Safety:
//
//	Machine and TurnConfig are safe to share across concurrent turns.
//	A ConversationState belongs to exactly one turn.
package agent

import (
	"errors"
	"fmt"
)

// PhaseID identifies a phase of the pipeline.
type PhaseID string

const (
	// PhaseAction gives an immediate first response to the query.
	PhaseAction PhaseID = "action"

	// PhaseExperience recalls prior knowledge and may search memory.
	PhaseExperience PhaseID = "experience"

	// PhaseIntention identifies what the user is trying to achieve.
	PhaseIntention PhaseID = "intention"

	// PhaseObservation records patterns and may call tools.
	PhaseObservation PhaseID = "observation"

	// PhaseUnderstanding decides whether to loop again or yield.
	PhaseUnderstanding PhaseID = "understanding"

	// PhaseYield produces the final answer.
	PhaseYield PhaseID = "yield"
)

// order is the total order of phases by pipeline position.
var order = map[PhaseID]int{
	PhaseAction:        0,
	PhaseExperience:    1,
	PhaseIntention:     2,
	PhaseObservation:   3,
	PhaseUnderstanding: 4,
	PhaseYield:         5,
}

// AllPhases returns every phase in pipeline order.
func AllPhases() []PhaseID {
	return []PhaseID{
		PhaseAction,
		PhaseExperience,
		PhaseIntention,
		PhaseObservation,
		PhaseUnderstanding,
		PhaseYield,
	}
}

// ParsePhase converts a name to a PhaseID.
func ParsePhase(s string) (PhaseID, error) {
	p := PhaseID(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// String returns the phase name.
func (p PhaseID) String() string {
	return string(p)
}

// Valid reports whether p is a known phase.
func (p PhaseID) Valid() bool {
	_, ok := order[p]
	return ok
}

// IsTerminal returns true for the phase that ends a turn.
func (p PhaseID) IsTerminal() bool {
	return p == PhaseYield
}

// IsToolEligible returns true for phases allowed to call tools.
func (p PhaseID) IsToolEligible() bool {
	return p == PhaseExperience || p == PhaseObservation
}

// Before reports whether p comes earlier in the pipeline than q.
func (p PhaseID) Before(q PhaseID) bool {
	return order[p] < order[q]
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline is the ordered list of phases a turn visits.
//
// Description:
//
//	Every edge of the graph is fixed and unconditional except one: when the
//	pipeline contains UNDERSTANDING, it may loop back to the first phase.
//	A pipeline is an increasing subsequence of AllPhases ending in YIELD.
type Pipeline []PhaseID

// DefaultPipeline returns all six phases.
func DefaultPipeline() Pipeline {
	return Pipeline(AllPhases())
}

var errEmptyPipeline = errors.New("pipeline is empty")

// Validate checks that the pipeline is usable.
func (pl Pipeline) Validate() error {
	if len(pl) == 0 {
		return errEmptyPipeline
	}
	for i, p := range pl {
		if !p.Valid() {
			return fmt.Errorf("pipeline position %d: unknown phase %q", i, p)
		}
		if i > 0 && !pl[i-1].Before(p) {
			return fmt.Errorf("pipeline position %d: %s must come before %s", i, pl[i-1], p)
		}
	}
	if last := pl[len(pl)-1]; last != PhaseYield {
		return fmt.Errorf("pipeline must end with %s, ends with %s", PhaseYield, last)
	}
	return nil
}

// First returns the entry phase.
func (pl Pipeline) First() PhaseID {
	if len(pl) == 0 {
		return ""
	}
	return pl[0]
}

// Next returns the unconditional successor of p. It returns false for YIELD
// and for phases outside the pipeline.
func (pl Pipeline) Next(p PhaseID) (PhaseID, bool) {
	for i, q := range pl {
		if q == p && i+1 < len(pl) {
			return pl[i+1], true
		}
	}
	return "", false
}

// Contains reports whether p is part of the pipeline.
func (pl Pipeline) Contains(p PhaseID) bool {
	for _, q := range pl {
		if q == p {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the pipeline.
func (pl Pipeline) CanTransition(from, to PhaseID) bool {
	if next, ok := pl.Next(from); ok && next == to {
		return true
	}
	return from == PhaseUnderstanding && pl.Contains(from) && to == pl.First()
}

// ValidTransitionsFrom returns every phase reachable from p in one step.
func (pl Pipeline) ValidTransitionsFrom(p PhaseID) []PhaseID {
	var out []PhaseID
	if p == PhaseUnderstanding && pl.Contains(p) {
		out = append(out, pl.First())
	}
	if next, ok := pl.Next(p); ok {
		out = append(out, next)
	}
	return out
}

// Clone returns a copy that shares no memory with pl.
func (pl Pipeline) Clone() Pipeline {
	return append(Pipeline(nil), pl...)
}
