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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
)

// SecretsDir is where container secrets are mounted (Podman/Docker secrets).
var SecretsDir = "/run/secrets"

// APIKey holds a provider credential in an encrypted memguard enclave.
//
// # Description
//
// The plaintext only exists in locked memory while Reveal runs. Providers
// whose SDK client needs the key at construction reveal it once; REST
// providers reveal it per request.
//
// # Thread Safety
//
// Safe for concurrent use.
type APIKey struct {
	enclave *memguard.Enclave
}

// NewAPIKey seals value into an enclave. An empty value yields nil.
func NewAPIKey(value string) *APIKey {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	// NewEnclave wipes the byte slice it is given.
	return &APIKey{enclave: memguard.NewEnclave([]byte(value))}
}

// LoadAPIKey reads a key from envVar, falling back to SecretsDir/secretName.
//
// # Outputs
//
//   - *APIKey: The sealed key.
//   - error: ErrMissingAPIKey (wrapped) when neither source has a value.
func LoadAPIKey(envVar, secretName string) (*APIKey, error) {
	if v := os.Getenv(envVar); strings.TrimSpace(v) != "" {
		return NewAPIKey(v), nil
	}

	if secretName != "" {
		path := filepath.Join(SecretsDir, secretName)
		if content, err := os.ReadFile(path); err == nil {
			if key := NewAPIKey(string(content)); key != nil {
				slog.Info("read API key from secrets", "secret", secretName)
				return key, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: set %s or provide secret %s", ErrMissingAPIKey, envVar, secretName)
}

// Reveal opens the enclave and returns a copy of the key.
func (k *APIKey) Reveal() (string, error) {
	if k == nil || k.enclave == nil {
		return "", ErrMissingAPIKey
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}
