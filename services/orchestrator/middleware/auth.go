// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the orchestrator API.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// TokenAuth rejects requests whose bearer token does not match token.
//
// # Description
//
// The expected token stays sealed in its enclave and is revealed per
// request for a constant-time comparison. A nil token disables the check.
// WebSocket clients that cannot set headers may pass the token in the
// "access_token" query parameter.
//
// # Inputs
//
//   - token: Expected token. Nil lets every request through.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 on a missing or wrong token.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func TokenAuth(token *llm.APIKey) gin.HandlerFunc {
	if token == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		presented := extractBearerToken(c)
		if presented == "" {
			presented = c.Query("access_token")
		}
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		expected, err := token.Reveal()
		if err != nil {
			slog.Error("auth token unavailable", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme is
// case-insensitive. Returns "" when the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
