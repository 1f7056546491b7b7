// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire types of the orchestrator API.
package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMaxQueryBytes bounds a query when the server sets no limit.
	DefaultMaxQueryBytes = 32 * 1024

	// MaxThreadIDLength bounds a client-supplied thread id.
	MaxThreadIDLength = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("threadid", validateThreadID)
}

// validateThreadID accepts ids usable as a storage key segment: printable,
// no path separators, no surrounding whitespace.
func validateThreadID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" {
		return true
	}
	if strings.TrimSpace(id) != id || strings.ContainsAny(id, "/\\") {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// =============================================================================
// Chat Request Types
// =============================================================================

// ChatRequest is the body of POST /v1/chat, POST /v1/chat/stream and each
// WebSocket frame sent by the client.
type ChatRequest struct {
	ThreadID string `json:"thread_id,omitempty" validate:"omitempty,max=128,threadid"`
	Query    string `json:"query" validate:"required"`
	MaxLoops *int   `json:"max_loops,omitempty" validate:"omitempty,min=0,max=10"`
}

// Validate checks field rules and that the query fits in maxBytes.
//
// # Inputs
//
//   - maxBytes: Query size limit. Zero or less uses DefaultMaxQueryBytes.
//
// # Outputs
//
//   - error: Non-nil if the request is invalid.
func (r *ChatRequest) Validate(maxBytes int) error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query must not be blank")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxQueryBytes
	}
	if len(r.Query) > maxBytes {
		return fmt.Errorf("query exceeds %d bytes", maxBytes)
	}
	return nil
}

// TurnRequest converts the body to an orchestrator request.
func (r *ChatRequest) TurnRequest() turn.Request {
	return turn.Request{ThreadID: r.ThreadID, Query: r.Query, MaxLoops: r.MaxLoops}
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Phase    string `json:"phase,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// ThreadTurnsResponse is the body of GET /v1/threads/:threadId/turns.
type ThreadTurnsResponse struct {
	ThreadID string        `json:"thread_id"`
	Turns    []turn.Record `json:"turns"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

// ValidThreadID reports whether id is acceptable as a path or body thread
// id. The empty string is not valid here.
func ValidThreadID(id string) bool {
	return id != "" && chatValidate.Var(id, "max=128,threadid") == nil
}
