// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orchestrator configuration from a YAML file and
// CHOIR_* environment variables.
//
// A loaded Config is treated as an immutable snapshot. Watcher swaps whole
// snapshots when the file changes; every turn builds its agent.TurnConfig
// from exactly one of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent"
	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
	"github.com/yusefmosiah/Choir.chat-sub000/services/tools"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendWeaviate = "weaviate"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// Config is the full orchestrator configuration.
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Telemetry  TelemetryConfig          `yaml:"telemetry"`
	Storage    StorageConfig            `yaml:"storage"`
	Providers  ProvidersConfig          `yaml:"providers"`
	Agent      AgentConfig              `yaml:"agent"`
	RateLimits map[string]llm.RateLimit `yaml:"rate_limits"`
	Logging    LoggingConfig            `yaml:"logging"`

	// Offline registers the scripted "offline" provider and makes it the
	// default, so a turn runs without any network access.
	Offline bool `yaml:"offline"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
	GinMode string `yaml:"gin_mode" validate:"oneof=debug release test"`

	// MaxQueryBytes bounds the user query accepted by the HTTP handlers.
	MaxQueryBytes int `yaml:"max_query_bytes" validate:"min=1"`

	// AuthTokenEnv and AuthSecret name the bearer token required on /v1.
	// Both empty disables authentication.
	AuthTokenEnv string `yaml:"auth_token_env"`
	AuthSecret   string `yaml:"auth_secret"`
}

// TelemetryConfig selects the OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" validate:"required"`

	// Exporter is "none", "stdout" or "otlp".
	Exporter     string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Exporter otlp"`
}

// StorageConfig selects the turn.Store backend.
type StorageConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=memory badger weaviate"`
	BadgerPath  string `yaml:"badger_path" validate:"required_if=Backend badger"`
	WeaviateURL string `yaml:"weaviate_url" validate:"omitempty,url"`

	// Vectorizer is the Weaviate module that embeds ChoirMemory chunks.
	Vectorizer string `yaml:"vectorizer"`

	// MemoryIndexing indexes completed turns for memory_search. Requires
	// WeaviateURL.
	MemoryIndexing bool `yaml:"memory_indexing"`

	HistoryTurns int `yaml:"history_turns" validate:"min=1,max=100"`
}

// EndpointConfig is one hosted backend. The key comes from APIKeyEnv or
// the secret file SecretName.
type EndpointConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	SecretName string `yaml:"secret_name"`
}

// OllamaEndpoint is a local Ollama server.
type OllamaEndpoint struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url" validate:"omitempty,url"`
	ToolModels []string      `yaml:"tool_models"`
	KeepAlive  time.Duration `yaml:"keep_alive"`
}

// ProvidersConfig lists the backends to register.
type ProvidersConfig struct {
	OpenAI    EndpointConfig `yaml:"openai"`
	Anthropic EndpointConfig `yaml:"anthropic"`
	Google    EndpointConfig `yaml:"google"`
	Groq      EndpointConfig `yaml:"groq"`
	Mistral   EndpointConfig `yaml:"mistral"`
	Ollama    OllamaEndpoint `yaml:"ollama"`
}

// AgentConfig drives the phase machine.
type AgentConfig struct {
	Default llm.ProviderConfig `yaml:"default"`

	// Phases overrides the provider of individual phases, keyed by phase
	// name.
	Phases map[string]llm.ProviderConfig `yaml:"phases"`

	// Tools binds tool names to phases, keyed by phase name.
	Tools map[string][]string `yaml:"tools"`

	MaxLoops                  int  `yaml:"max_loops" validate:"min=0,max=10"`
	YieldOnUnderstandingError bool `yaml:"yield_on_understanding_error"`

	CallTimeout         time.Duration `yaml:"call_timeout" validate:"min=0"`
	ToolTimeout         time.Duration `yaml:"tool_timeout" validate:"min=0"`
	ToolConcurrency     int           `yaml:"tool_concurrency" validate:"min=1,max=16"`
	ContinueOnToolError bool          `yaml:"continue_on_tool_error"`

	SystemPrompt string            `yaml:"system_prompt"`
	Instructions map[string]string `yaml:"instructions"`
}

// LoggingConfig feeds pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  *bool  `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			GinMode:       "release",
			MaxQueryBytes: 32 * 1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "choir-orchestrator",
			Exporter:    "none",
		},
		Storage: StorageConfig{
			Backend:      BackendMemory,
			Vectorizer:   "text2vec-transformers",
			HistoryTurns: 10,
		},
		Providers: ProvidersConfig{
			OpenAI:    EndpointConfig{APIKeyEnv: "OPENAI_API_KEY", SecretName: "openai_api_key"},
			Anthropic: EndpointConfig{APIKeyEnv: "ANTHROPIC_API_KEY", SecretName: "anthropic_api_key"},
			Google:    EndpointConfig{APIKeyEnv: "GOOGLE_API_KEY", SecretName: "google_api_key"},
			Groq:      EndpointConfig{APIKeyEnv: "GROQ_API_KEY", SecretName: "groq_api_key"},
			Mistral:   EndpointConfig{APIKeyEnv: "MISTRAL_API_KEY", SecretName: "mistral_api_key"},
			Ollama:    OllamaEndpoint{BaseURL: "http://localhost:11434"},
		},
		Agent: AgentConfig{
			Default: llm.ProviderConfig{
				Provider:            "openai",
				Model:               "gpt-4o-mini",
				SupportsTools:       true,
				SupportsTemperature: true,
			},
			Tools: map[string][]string{
				string(agent.PhaseExperience):  {tools.MemorySearchToolName},
				string(agent.PhaseObservation): {tools.MemorySearchToolName},
			},
			MaxLoops:        agent.DefaultMaxLoops,
			CallTimeout:     llm.DefaultCallTimeout,
			ToolTimeout:     tools.DefaultToolTimeout,
			ToolConcurrency: 1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, applies CHOIR_*
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from CHOIR_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, v)
		}
		*dst = b
		return nil
	}

	str("CHOIR_GIN_MODE", &c.Server.GinMode)
	str("CHOIR_STORAGE_BACKEND", &c.Storage.Backend)
	str("CHOIR_BADGER_PATH", &c.Storage.BadgerPath)
	str("CHOIR_WEAVIATE_URL", &c.Storage.WeaviateURL)
	str("CHOIR_TELEMETRY_EXPORTER", &c.Telemetry.Exporter)
	str("CHOIR_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("CHOIR_OLLAMA_URL", &c.Providers.Ollama.BaseURL)
	str("CHOIR_DEFAULT_PROVIDER", &c.Agent.Default.Provider)
	str("CHOIR_DEFAULT_MODEL", &c.Agent.Default.Model)
	str("CHOIR_LOG_LEVEL", &c.Logging.Level)
	str("CHOIR_LOG_DIR", &c.Logging.Dir)

	for key, dst := range map[string]*int{
		"CHOIR_PORT":          &c.Server.Port,
		"CHOIR_MAX_LOOPS":     &c.Agent.MaxLoops,
		"CHOIR_HISTORY_TURNS": &c.Storage.HistoryTurns,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if err := flag("CHOIR_OFFLINE", &c.Offline); err != nil {
		return err
	}
	return flag("CHOIR_MEMORY_INDEXING", &c.Storage.MemoryIndexing)
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Storage.Backend == BackendWeaviate && c.Storage.WeaviateURL == "" {
		return fmt.Errorf("%w: storage.weaviate_url is required for the weaviate backend", ErrInvalid)
	}
	if c.Storage.MemoryIndexing && c.Storage.WeaviateURL == "" {
		return fmt.Errorf("%w: storage.memory_indexing requires storage.weaviate_url", ErrInvalid)
	}
	if _, err := c.TurnConfigE(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// TurnConfigE converts the agent section into an agent.TurnConfig.
func (c *Config) TurnConfigE() (agent.TurnConfig, error) {
	tc := agent.TurnConfig{
		Default:                   c.Agent.Default,
		Providers:                 make(map[agent.PhaseID]llm.ProviderConfig, len(c.Agent.Phases)),
		Tools:                     make(map[agent.PhaseID][]string, len(c.Agent.Tools)),
		MaxLoops:                  c.Agent.MaxLoops,
		YieldOnUnderstandingError: c.Agent.YieldOnUnderstandingError,
		Prompts:                   agent.Prompts{System: c.Agent.SystemPrompt},
	}
	if c.Offline {
		tc.Default = llm.ProviderConfig{Provider: OfflineProvider, Model: "offline", SupportsTools: true}
	}

	for name, pc := range c.Agent.Phases {
		phase, err := agent.ParsePhase(name)
		if err != nil {
			return tc, fmt.Errorf("agent.phases: %w", err)
		}
		if c.Offline {
			pc = tc.Default
		}
		tc.Providers[phase] = pc
	}
	for name, names := range c.Agent.Tools {
		phase, err := agent.ParsePhase(name)
		if err != nil {
			return tc, fmt.Errorf("agent.tools: %w", err)
		}
		tc.Tools[phase] = append([]string(nil), names...)
	}
	if len(c.Agent.Instructions) > 0 {
		tc.Prompts.Phases = make(map[agent.PhaseID]string, len(c.Agent.Instructions))
		for name, text := range c.Agent.Instructions {
			phase, err := agent.ParsePhase(name)
			if err != nil {
				return tc, fmt.Errorf("agent.instructions: %w", err)
			}
			tc.Prompts.Phases[phase] = strings.TrimSpace(text)
		}
	}
	if err := tc.Validate(); err != nil {
		return tc, err
	}
	return tc, nil
}

// TurnConfig returns the per-turn config of this snapshot. It panics only
// if the snapshot was never validated.
func (c *Config) TurnConfig() agent.TurnConfig {
	tc, err := c.TurnConfigE()
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated snapshot: %v", err))
	}
	return tc
}

// AdapterConfig returns the provider adapter settings.
func (c *Config) AdapterConfig() llm.AdapterConfig {
	limits := make(map[string]llm.RateLimit, len(c.RateLimits))
	for k, v := range c.RateLimits {
		limits[k] = v
	}
	return llm.AdapterConfig{CallTimeout: c.Agent.CallTimeout, RateLimits: limits}
}

// ProtocolConfig returns the tool execution settings.
func (c *Config) ProtocolConfig() tools.ProtocolConfig {
	return tools.ProtocolConfig{
		MaxConcurrency:      c.Agent.ToolConcurrency,
		ToolTimeout:         c.Agent.ToolTimeout,
		ContinueOnToolError: c.Agent.ContinueOnToolError,
	}
}

// AuthToken loads the bearer token for the HTTP surface. It returns nil
// when authentication is disabled.
func (c *Config) AuthToken() (*llm.APIKey, error) {
	if c.Server.AuthTokenEnv == "" && c.Server.AuthSecret == "" {
		return nil, nil
	}
	key, err := llm.LoadAPIKey(c.Server.AuthTokenEnv, c.Server.AuthSecret)
	if err != nil {
		return nil, fmt.Errorf("server auth token: %w", err)
	}
	return key, nil
}
