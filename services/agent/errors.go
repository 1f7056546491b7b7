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
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by TurnConfig.Validate failures.
	ErrInvalidConfig = errors.New("invalid turn config")

	// ErrInvalidTransition means the machine tried to leave the pipeline
	// graph. It indicates a bug, not a model failure.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// PhaseError is a halting error attributed to the phase that failed.
type PhaseError struct {
	Phase PhaseID
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// FailedPhase returns the phase named by a PhaseError in err's chain.
func FailedPhase(err error) (PhaseID, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}
