// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent"
	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "choir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	tc := cfg.TurnConfig()
	assert.Equal(t, agent.DefaultMaxLoops, tc.MaxLoops)
	assert.Equal(t, []string{"memory_search"}, tc.ToolsFor(agent.PhaseExperience))
	assert.Equal(t, "openai/gpt-4o-mini", tc.ProviderFor(agent.PhaseYield).String())
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  port: 9090
agent:
  default:
    provider: anthropic
    model: claude-sonnet-4
  phases:
    yield:
      provider: openai
      model: gpt-4o
  max_loops: 1
  call_timeout: 45s
  instructions:
    action: "  Answer in one line.  "
rate_limits:
  openai:
    requests_per_second: 2
    burst: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.GinMode, "unset fields keep defaults")
	assert.Equal(t, 45*time.Second, cfg.AdapterConfig().CallTimeout)
	assert.Equal(t, llm.RateLimit{RequestsPerSecond: 2, Burst: 4}, cfg.AdapterConfig().RateLimits["openai"])

	tc := cfg.TurnConfig()
	assert.Equal(t, 1, tc.MaxLoops)
	assert.Equal(t, "anthropic/claude-sonnet-4", tc.ProviderFor(agent.PhaseAction).String())
	assert.Equal(t, "openai/gpt-4o", tc.ProviderFor(agent.PhaseYield).String())
	assert.Equal(t, "Answer in one line.", tc.Prompts.Instruction(agent.PhaseAction))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHOIR_PORT", "7000")
	t.Setenv("CHOIR_MAX_LOOPS", "3")
	t.Setenv("CHOIR_STORAGE_BACKEND", "badger")
	t.Setenv("CHOIR_BADGER_PATH", "/tmp/choir")
	t.Setenv("CHOIR_OFFLINE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Agent.MaxLoops)
	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.True(t, cfg.Offline)
	assert.Equal(t, "offline/offline", cfg.TurnConfig().ProviderFor(agent.PhaseYield).String())
}

func TestLoad_EnvNotANumber(t *testing.T) {
	t.Setenv("CHOIR_MAX_LOOPS", "many")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"badger without path", func(c *Config) { c.Storage.Backend = BackendBadger }},
		{"weaviate without url", func(c *Config) { c.Storage.Backend = BackendWeaviate }},
		{"indexing without url", func(c *Config) { c.Storage.MemoryIndexing = true }},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.Exporter = "otlp" }},
		{"too many loops", func(c *Config) { c.Agent.MaxLoops = 11 }},
		{"negative loops", func(c *Config) { c.Agent.MaxLoops = -1 }},
		{"unknown phase", func(c *Config) {
			c.Agent.Phases = map[string]llm.ProviderConfig{"reflection": {Provider: "openai", Model: "x"}}
		}},
		{"missing default model", func(c *Config) { c.Agent.Default.Model = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestBuildRegistry_Offline(t *testing.T) {
	cfg := Default()
	cfg.Offline = true

	reg, err := cfg.BuildRegistry(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{OfflineProvider}, reg.Names())
}

func TestBuildRegistry_ReferencedProviderNeedsKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := Default()
	cfg.Providers.OpenAI.SecretName = ""

	_, err := cfg.BuildRegistry(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)
}

func TestBuildRegistry_EnabledOnlyIsSkipped(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GROQ_API_KEY", "")
	cfg := Default()
	cfg.Providers.Groq.Enabled = true
	cfg.Providers.Groq.SecretName = ""
	cfg.Providers.Ollama.Enabled = true

	reg, err := cfg.BuildRegistry(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"offline", "ollama", "openai"}, reg.Names())
}

func TestAuthToken(t *testing.T) {
	cfg := Default()
	key, err := cfg.AuthToken()
	require.NoError(t, err)
	assert.Nil(t, key, "disabled without a source")

	cfg.Server.AuthTokenEnv = "CHOIR_TEST_TOKEN"
	t.Setenv("CHOIR_TEST_TOKEN", "")
	_, err = cfg.AuthToken()
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)

	t.Setenv("CHOIR_TEST_TOKEN", "s3cret")
	key, err = cfg.AuthToken()
	require.NoError(t, err)
	got, err := key.Reveal()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}
