// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"encoding/json"
	"slices"
)

// =============================================================================
// LIMITATIONS
// =============================================================================

// Limitation is a per-type restriction applied while building requests.
type Limitation string

const (
	// NoSystemMessages rewrites system turns to user turns.
	NoSystemMessages Limitation = "no-system-messages"
	// NoSeed omits the seed even when set.
	NoSeed Limitation = "no-seed"
	// TextOnly flattens content to a plain string and drops images.
	TextOnly Limitation = "text-only"
)

// Limitations is the set of restrictions of a provider type.
type Limitations []Limitation

// Has reports whether l is in the set.
func (ls Limitations) Has(l Limitation) bool {
	return slices.Contains(ls, l)
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Role values of a request message. RoleTool carries a tool result.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one turn of a request.
type Message struct {
	Role string
	Text string
	// Images are base64 PNG payloads sent as image_url parts.
	Images []string

	// ToolCallID is set on RoleTool messages.
	ToolCallID string
	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Tool describes a callable tool to the model.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters json.RawMessage
}

// ToolChoice values.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// ChatParams is a provider-independent chat request.
type ChatParams struct {
	Model    string
	Messages []Message

	// MaxTokens is sent only when > 0.
	MaxTokens int

	// OverrideParameters gates Temperature and Seed. Seed is sent only
	// when non-zero and the provider allows it.
	OverrideParameters bool
	Temperature        float64
	Seed               int

	Tools      []Tool
	ToolChoice string

	// Ollama extensions; ignored by other providers.
	NumCtx    int
	KeepAlive *int
	Think     *bool
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// Chunk is one streamed delta.
type Chunk struct {
	Content  string
	Thinking string
	// FinishReason is set on the last content chunk.
	FinishReason string
}

// Usage is the token accounting of a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the aggregate result of a streamed or blocking request.
type Completion struct {
	Model        string
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage

	// Raw is the last provider record seen, kept for metadata attachments.
	Raw json.RawMessage
}

// ModelSummary is one entry of a model listing.
type ModelSummary struct {
	Name         string
	DisplayName  string
	Capabilities []string
	Size         int64
}

// ModelInfo is the detail record of one model.
type ModelInfo struct {
	ParameterSize string
	Family        string
	ParentModel   string
	Capabilities  []string
	// System is the model's built-in system prompt.
	System string
	// Extra holds provider fields without a dedicated slot.
	Extra map[string]any
}

// Capability names reported by providers.
const (
	CapCompletion = "completion"
	CapVision     = "vision"
	CapTools      = "tools"
	CapThinking   = "thinking"
)

// HasCapability reports whether the model advertises c.
func (i *ModelInfo) HasCapability(c string) bool {
	return i != nil && slices.Contains(i.Capabilities, c)
}

// =============================================================================
// MODEL ADMINISTRATION TYPES
// =============================================================================

// Progress is one record of a pull or create stream.
type Progress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Fraction returns completed/total in [0,1], or -1 when indeterminate.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return -1
	}
	f := float64(p.Completed) / float64(p.Total)
	return min(max(f, 0), 1)
}

// StatusSuccess is the terminal status of a pull or create stream.
const StatusSuccess = "success"

// CreateSpec is the body of a model create request.
type CreateSpec struct {
	Model      string            `json:"model"`
	From       string            `json:"from,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
	Template   string            `json:"template,omitempty"`
	System     string            `json:"system,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Quantize   string            `json:"quantize,omitempty"`

	// GGUFPath is a local file uploaded as a blob before the request.
	GGUFPath string `json:"-"`
}
