// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider is returned when a ProviderConfig names a provider
	// that is not registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrMissingAPIKey is returned by constructors when no key is configured.
	ErrMissingAPIKey = errors.New("api key is missing")

	// ErrEmptyResponse is returned when a backend answers with no candidates.
	ErrEmptyResponse = errors.New("backend returned an empty response")
)

// ProviderError wraps every failure that crosses the adapter boundary:
// unreachable backend, auth failure, malformed response, or timeout.
type ProviderError struct {
	Provider string
	Model    string
	Timeout  bool
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %s/%s: timed out: %v", e.Provider, e.Model, e.Cause)
	}
	return fmt.Sprintf("provider %s/%s: %v", e.Provider, e.Model, e.Cause)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsTimeout reports whether err is a ProviderError caused by a call timeout.
func IsTimeout(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Timeout
}

// ValidationError reports input that cannot be sent to any backend, such as
// a conversation without a non-system message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StatusError is returned by REST-based providers for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}
