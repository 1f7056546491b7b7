// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
	"github.com/yusefmosiah/Choir.chat-sub000/services/tools"
)

const genericErrorMessage = "An error occurred while processing your request"

// ClientMessage renders err for API consumers.
//
// # Description
//
// Only validation errors are echoed verbatim. Every other kind maps to a
// fixed message so provider responses, tool output and storage paths
// never reach the client. The full error is logged by the orchestrator.
//
// # Inputs
//
//   - err: A turn error.
//
// # Outputs
//
//   - string: Safe message for the error event or JSON body.
func ClientMessage(err error) string {
	var (
		verr *llm.ValidationError
		perr *llm.ProviderError
		terr *tools.ToolExecutionError
		serr *turn.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case llm.IsTimeout(err):
		return "model call timed out"
	case errors.As(err, &perr):
		return "model provider unavailable"
	case errors.As(err, &terr):
		if terr.Timeout {
			return "tool timed out"
		}
		return "tool execution failed"
	case errors.As(err, &serr):
		return "failed to persist turn"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "turn timed out"
	default:
		return genericErrorMessage
	}
}

// statusFor maps a turn error to an HTTP status for the non-streaming API.
func statusFor(err error) int {
	var (
		verr *llm.ValidationError
		perr *llm.ProviderError
		terr *tools.ToolExecutionError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case llm.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &perr), errors.As(err, &terr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
