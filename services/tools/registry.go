// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// Registry maps tool names to implementations.
//
// # Thread Safety
//
// Safe for concurrent use. Registration normally happens at startup; lookups
// happen on every tool call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
//
// # Outputs
//
//   - *Registry: The populated registry.
//   - error: Non-nil if a tool is nil, unnamed, or registered twice.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t under its Name.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("register tool: nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register tool %q: %w", name, ErrDuplicateTool)
	}
	r.tools[name] = t
	return nil
}

// Get returns the tool with exactly this name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns declarations for the named tools in the given order. Unknown
// names are skipped. With no names, every tool is returned sorted by name.
func (r *Registry) Specs(names ...string) []llm.ToolSpec {
	if len(names) == 0 {
		names = r.Names()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			specs = append(specs, Spec(t))
		}
	}
	return specs
}
