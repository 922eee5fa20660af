// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// Tool is a function a model may call.
type Tool struct {
	// Name is the identifier the model calls, e.g. "online_search".
	Name string

	// DisplayName names the tool in attachments and listings.
	DisplayName string

	// Description is sent to the model with the schema.
	Description string

	// Schema defines the tool's arguments.
	Schema Schema

	// Variables are user settings the tool reads at run time.
	Variables []Variable

	// EnabledByDefault applies until the user toggles the tool.
	EnabledByDefault bool

	// Executor handles the actual execution.
	Executor ToolExecutor
}

// Schema defines a tool's arguments.
type Schema struct {
	Parameters []Parameter
}

// Parameter defines a single argument.
type Parameter struct {
	Name string

	// Type is a JSON schema type: "string", "integer", "number", "boolean",
	// "array" or "object".
	Type string

	Required    bool
	Description string

	// Enum restricts string arguments to these values.
	Enum []string
}

// JSON returns the object schema sent to providers.
func (s Schema) JSON() json.RawMessage {
	type property struct {
		Type        string   `json:"type"`
		Description string   `json:"description,omitempty"`
		Enum        []string `json:"enum,omitempty"`
	}
	props := make(map[string]property, len(s.Parameters))
	required := []string{}
	for _, p := range s.Parameters {
		props[p.Name] = property{Type: p.Type, Description: p.Description, Enum: p.Enum}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	data, _ := json.Marshal(struct {
		Type       string              `json:"type"`
		Properties map[string]property `json:"properties"`
		Required   []string            `json:"required"`
	}{"object", props, required})
	return data
}

// Provider converts the tool to the request form.
func (t *Tool) Provider() provider.Tool {
	return provider.Tool{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Schema.JSON(),
	}
}

// Title returns DisplayName, or the name with underscores spaced out.
func (t *Tool) Title() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return strings.ReplaceAll(t.Name, "_", " ")
}

// =============================================================================
// USER VARIABLES
// =============================================================================

// VariableType is the kind of value a tool variable holds.
type VariableType string

const (
	VarString VariableType = "string"
	VarInt    VariableType = "int"
	VarFloat  VariableType = "float"
	// VarSecret is a string that is masked when listed.
	VarSecret VariableType = "secret"
)

// Variable is a user setting of a tool, e.g. the ssh host of run_command.
type Variable struct {
	Name        string
	DisplayName string
	Type        VariableType
	Default     any

	// Min and Max bound numeric variables when Max > Min.
	Min, Max float64
}

// =============================================================================
// EXECUTION TYPES
// =============================================================================

// ToolExecutor is the interface for individual tool execution.
type ToolExecutor interface {
	Execute(ctx context.Context, call Call) (Result, error)
}

// ExecutorFunc adapts a function to ToolExecutor.
type ExecutorFunc func(ctx context.Context, call Call) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// Call is one invocation of a tool.
type Call struct {
	Name   string
	Params map[string]any

	// Vars holds the tool's variables, defaults applied.
	Vars map[string]any

	// History is the conversation sent with the selection request.
	History []provider.Message
}

// String returns a string argument or variable, or "".
func (c Call) String(name string) string {
	if v, ok := c.Params[name].(string); ok {
		return v
	}
	if v, ok := c.Vars[name].(string); ok {
		return v
	}
	return ""
}

// Int returns a numeric argument or variable, or def.
func (c Call) Int(name string, def int) int {
	for _, src := range []map[string]any{c.Params, c.Vars} {
		switch v := src[name].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return def
}

// Result holds the outcome of a tool execution.
type Result struct {
	Success bool

	// Output is the text returned to the model.
	Output string

	// Error explains a failed execution.
	Error string

	// Attachments are added to the reply besides the tool attachment,
	// e.g. source links.
	Attachments []store.Attachment

	Duration  time.Duration
	Truncated bool
}

// Text is what the model receives for this result.
func (r Result) Text() string {
	if !r.Success && r.Error != "" {
		if r.Output != "" {
			return "Error: " + r.Error + "\n\n" + r.Output
		}
		return "Error: " + r.Error
	}
	return r.Output
}

func success(output string, attachments ...store.Attachment) Result {
	return Result{Success: true, Output: output, Attachments: attachments}
}

func failed(msg string) Result {
	return Result{Error: msg}
}

func link(name, url string) store.Attachment {
	return store.Attachment{Kind: store.KindLink, Name: name, Content: url}
}
