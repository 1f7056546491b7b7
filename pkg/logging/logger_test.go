// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"DEBUG", LevelDebug, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func boolPtr(b bool) *bool { return &b }

func TestNew_JSONOutputCarriesService(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Service: "orchestrator", JSON: boolPtr(true), Output: &buf})
	require.NoError(t, err)

	l.Info("turn completed", "thread_id", "t1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "turn completed", rec["msg"])
	assert.Equal(t, "orchestrator", rec["service"])
	assert.Equal(t, "t1", rec["thread_id"])
}

func TestNew_TextOutputWhenForced(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{JSON: boolPtr(false), Output: &buf})
	require.NoError(t, err)

	l.Warn("slow phase")
	assert.Contains(t, buf.String(), "msg=\"slow phase\"")
	assert.Contains(t, buf.String(), "service=choir")
}

func TestNew_NonTerminalDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Output: &buf})
	require.NoError(t, err)

	l.Info("hello")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelWarn, JSON: boolPtr(true), Output: &buf})
	require.NoError(t, err)

	l.Info("dropped")
	l.Debug("dropped")
	assert.Zero(t, buf.Len())

	l.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_FileFanOut(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	l, err := New(Config{Service: "svc", LogDir: dir, JSON: boolPtr(true), Output: &buf})
	require.NoError(t, err)

	l.With("turn_id", "x").Info("saved")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Contains(t, buf.String(), "saved")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "svc_"))

	data, err := os.ReadFile(dir + "/" + entries[0].Name())
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "x", rec["turn_id"])
	assert.Equal(t, "svc", rec["service"])
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	l, err := New(Config{Quiet: true})
	require.NoError(t, err)
	assert.False(t, l.Handler().Enabled(t.Context(), slog.LevelDebug))
	l.Info("nowhere")
	assert.Empty(t, l.FilePath())
	assert.NoError(t, l.Close())
}

func TestDefault_LogsAtInfo(t *testing.T) {
	l := Default()
	defer l.Close()

	assert.False(t, l.Handler().Enabled(t.Context(), slog.LevelDebug))
	assert.True(t, l.Handler().Enabled(t.Context(), slog.LevelInfo))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/logs")
	require.NoError(t, err)
	assert.Equal(t, home+"/logs", got)

	got, err = expandPath("/var/log")
	require.NoError(t, err)
	assert.Equal(t, "/var/log", got)
}
