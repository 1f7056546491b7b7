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
	"encoding/json"
	"regexp"
	"strings"
)

// LoopDecision is what UNDERSTANDING asks for.
type LoopDecision string

const (
	DecisionYield    LoopDecision = "yield"
	DecisionContinue LoopDecision = "continue"
)

// DecisionSource records which rule produced a decision.
type DecisionSource string

const (
	SourceJSON    DecisionSource = "json"
	SourceLine    DecisionSource = "decision_line"
	SourceKeyword DecisionSource = "keyword"
	SourceDefault DecisionSource = "default"
)

var (
	lineDecisionRe = regexp.MustCompile(`(?im)^[\s*#>-]*DECISION\s*:\s*\**\s*([a-z_]+)`)
	keywordRe      = regexp.MustCompile(`\b(LOOP|CONTINUE|YIELD|DONE)\b`)
)

// ParseLoopDecision reads the loop decision from an UNDERSTANDING output.
//
// Description:
//
//	Rules are tried in order and the first that matches wins:
//
//	 1. A JSON object with a "decision" field, possibly inside a code fence.
//	 2. A line "DECISION: CONTINUE" or "DECISION: YIELD". The last such line
//	    counts.
//	 3. Upper-case whole-word keywords LOOP or CONTINUE against YIELD or
//	    DONE. The last keyword counts.
//
//	Anything else is a yield. Unrecognized values inside rules 1 and 2 are
//	also treated as yield.
//
// Outputs:
//
//	LoopDecision - DecisionContinue or DecisionYield.
//	DecisionSource - The rule that decided.
func ParseLoopDecision(output string) (LoopDecision, DecisionSource) {
	if w, ok := lastJSONDecision(output); ok {
		return decisionFromWord(w), SourceJSON
	}
	if m := lineDecisionRe.FindAllStringSubmatch(output, -1); len(m) > 0 {
		return decisionFromWord(m[len(m)-1][1]), SourceLine
	}
	if m := keywordRe.FindAllString(output, -1); len(m) > 0 {
		return decisionFromWord(m[len(m)-1]), SourceKeyword
	}
	return DecisionYield, SourceDefault
}

// lastJSONDecision decodes every top-level JSON object embedded in s and
// returns the "decision" of the last one carrying it. Objects may nest and
// may hold braces inside strings.
func lastJSONDecision(s string) (string, bool) {
	var (
		word  string
		found bool
	)
	for i := 0; i < len(s); {
		j := strings.IndexByte(s[i:], '{')
		if j < 0 {
			break
		}
		i += j

		var obj struct {
			Decision string `json:"decision"`
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		if err := dec.Decode(&obj); err != nil {
			i++
			continue
		}
		if obj.Decision != "" {
			word, found = obj.Decision, true
		}
		i += int(dec.InputOffset())
	}
	return word, found
}

func decisionFromWord(w string) LoopDecision {
	switch strings.ToLower(w) {
	case "continue", "loop":
		return DecisionContinue
	default:
		return DecisionYield
	}
}
