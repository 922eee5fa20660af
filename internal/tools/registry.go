// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// ParamStore persists tool variables and enable flags.
type ParamStore interface {
	GetToolParameters(ctx context.Context) (map[string]store.ToolParameters, error)
	SetToolParameters(ctx context.Context, name string, vars map[string]any, activated bool) error
}

// =============================================================================
// TOOL REGISTRY
// =============================================================================

// Registry holds all available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string

	enabled map[string]bool
	vars    map[string]map[string]any

	store ParamStore
}

// NewRegistry creates an empty registry. A nil store keeps settings in
// memory only.
func NewRegistry(ps ParamStore) *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		enabled: make(map[string]bool),
		vars:    make(map[string]map[string]any),
		store:   ps,
	}
}

// Register adds a tool, replacing one of the same name.
func (r *Registry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
	r.enabled[tool.Name] = tool.EnabledByDefault
	vars := make(map[string]any, len(tool.Variables))
	for _, v := range tool.Variables {
		vars[v.Name] = v.Default
	}
	r.vars[tool.Name] = vars
}

// Load applies persisted variables and enable flags. Unknown stored
// variables are ignored.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	saved, err := r.store.GetToolParameters(ctx)
	if err != nil {
		return fmt.Errorf("load tool parameters: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range saved {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		r.enabled[name] = p.Activated
		for _, v := range tool.Variables {
			if val, ok := p.Variables[v.Name]; ok {
				r.vars[name][v.Name] = val
			}
		}
	}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools in registration order.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Enabled returns the tools offered to models.
func (r *Registry) Enabled() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, name := range r.order {
		if r.enabled[name] {
			out = append(out, r.tools[name])
		}
	}
	return out
}

// IsEnabled reports whether the named tool is offered to models.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// Schemas returns the request form of every enabled tool.
func (r *Registry) Schemas() []provider.Tool {
	enabled := r.Enabled()
	out := make([]provider.Tool, 0, len(enabled))
	for _, t := range enabled {
		out = append(out, t.Provider())
	}
	return out
}

// Variables returns a copy of a tool's variables.
func (r *Registry) Variables(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.vars[name])
}

// SetEnabled toggles a tool and persists the flag.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	r.mu.Lock()
	if _, ok := r.tools[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown tool %q", name)
	}
	r.enabled[name] = enabled
	vars := maps.Clone(r.vars[name])
	r.mu.Unlock()
	return r.persist(ctx, name, vars, enabled)
}

// SetVariable parses raw according to the variable's type, checks its
// bounds and persists it.
func (r *Registry) SetVariable(ctx context.Context, tool, variable, raw string) error {
	r.mu.Lock()
	t, ok := r.tools[tool]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown tool %q", tool)
	}
	var def *Variable
	for i := range t.Variables {
		if t.Variables[i].Name == variable {
			def = &t.Variables[i]
		}
	}
	if def == nil {
		r.mu.Unlock()
		return fmt.Errorf("tool %s has no variable %q", tool, variable)
	}
	val, err := parseVariable(*def, raw)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.vars[tool][variable] = val
	vars := maps.Clone(r.vars[tool])
	enabled := r.enabled[tool]
	r.mu.Unlock()
	return r.persist(ctx, tool, vars, enabled)
}

func (r *Registry) persist(ctx context.Context, name string, vars map[string]any, enabled bool) error {
	if r.store == nil {
		return nil
	}
	return r.store.SetToolParameters(ctx, name, vars, enabled)
}

func parseVariable(v Variable, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	var num float64
	switch v.Type {
	case VarInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: expected an integer", v.Name)
		}
		num = float64(n)
		if err := checkBounds(v, num); err != nil {
			return nil, err
		}
		return n, nil
	case VarFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: expected a number", v.Name)
		}
		if err := checkBounds(v, f); err != nil {
			return nil, err
		}
		return f, nil
	}
	return raw, nil
}

func checkBounds(v Variable, n float64) error {
	if v.Max > v.Min && (n < v.Min || n > v.Max) {
		return fmt.Errorf("%s: must be between %g and %g", v.Name, v.Min, v.Max)
	}
	return nil
}

// DisplayValue formats a variable for listings, masking secrets.
func DisplayValue(v Variable, val any) string {
	if val == nil {
		return ""
	}
	s := fmt.Sprint(val)
	if v.Type == VarSecret && s != "" {
		return strings.Repeat("•", 8)
	}
	return s
}
