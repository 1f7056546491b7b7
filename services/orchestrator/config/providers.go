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
	"fmt"
	"log/slog"
	"sort"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// OfflineProvider is the registry key of the network-free provider.
const OfflineProvider = "offline"

// referenced returns the provider ids named by the agent section.
func (c *Config) referenced() map[string]bool {
	refs := map[string]bool{c.Agent.Default.Provider: true}
	for _, pc := range c.Agent.Phases {
		refs[pc.Provider] = true
	}
	return refs
}

// BuildRegistry registers every enabled or referenced provider.
//
// # Description
//
// The offline provider is always present. A hosted provider is built when
// it is enabled or named by the agent section. Failing to build a provider
// the agent section names is an error; failing to build one that is only
// enabled is logged and skipped.
//
// # Inputs
//
//   - ctx: Used by SDK clients that dial at construction.
//   - logger: Destination for skipped providers. Nil uses slog.Default().
//
// # Outputs
//
//   - *llm.Registry: The registry.
//   - error: Non-nil if a referenced provider cannot be built.
func (c *Config) BuildRegistry(ctx context.Context, logger *slog.Logger) (*llm.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := llm.NewRegistry()
	if err := reg.Register(llm.NewScriptedProvider(OfflineProvider, llm.Capabilities{Tools: true}, llm.OfflineHandler())); err != nil {
		return nil, err
	}
	if c.Offline {
		return reg, nil
	}

	refs := c.referenced()
	builders := map[string]func() (llm.Provider, error){
		"openai":  c.openAIBuilder(c.Providers.OpenAI, llm.NewOpenAIProvider),
		"groq":    c.openAIBuilder(c.Providers.Groq, llm.NewGroqProvider),
		"mistral": c.openAIBuilder(c.Providers.Mistral, llm.NewMistralProvider),
		"anthropic": func() (llm.Provider, error) {
			key, err := loadKey(c.Providers.Anthropic)
			if err != nil {
				return nil, err
			}
			return llm.NewAnthropicProvider(llm.AnthropicConfig{BaseURL: c.Providers.Anthropic.BaseURL, APIKey: key})
		},
		"google": func() (llm.Provider, error) {
			key, err := loadKey(c.Providers.Google)
			if err != nil {
				return nil, err
			}
			return llm.NewGeminiProvider(ctx, llm.GeminiConfig{BaseURL: c.Providers.Google.BaseURL, APIKey: key})
		},
		"ollama": func() (llm.Provider, error) {
			o := c.Providers.Ollama
			return llm.NewOllamaProvider(llm.OllamaConfig{BaseURL: o.BaseURL, ToolModels: o.ToolModels, KeepAlive: o.KeepAlive})
		},
	}
	enabled := map[string]bool{
		"openai":    c.Providers.OpenAI.Enabled,
		"groq":      c.Providers.Groq.Enabled,
		"mistral":   c.Providers.Mistral.Enabled,
		"anthropic": c.Providers.Anthropic.Enabled,
		"google":    c.Providers.Google.Enabled,
		"ollama":    c.Providers.Ollama.Enabled,
	}

	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !refs[name] && !enabled[name] {
			continue
		}
		p, err := builders[name]()
		if err != nil {
			if refs[name] {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			logger.Warn("skipping provider", "provider", name, "error", err)
			continue
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
		logger.Info("provider registered", "provider", name)
	}

	for name := range refs {
		if _, err := reg.Get(name); err != nil {
			return nil, fmt.Errorf("agent config names provider %q: %w", name, err)
		}
	}
	return reg, nil
}

func (c *Config) openAIBuilder(ep EndpointConfig, ctor func(llm.OpenAIConfig) (*llm.OpenAIProvider, error)) func() (llm.Provider, error) {
	return func() (llm.Provider, error) {
		key, err := loadKey(ep)
		if err != nil {
			return nil, err
		}
		return ctor(llm.OpenAIConfig{BaseURL: ep.BaseURL, APIKey: key})
	}
}

func loadKey(ep EndpointConfig) (*llm.APIKey, error) {
	return llm.LoadAPIKey(ep.APIKeyEnv, ep.SecretName)
}
