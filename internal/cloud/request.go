// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"encoding/json"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatRequest is the chat-completions request body.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []WireMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *StreamOptions  `json:"stream_options,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Seed           *int            `json:"seed,omitempty"`
	Tools          []WireTool      `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// StreamOptions asks for a trailing usage chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// WireMessage is one request message. Content is either a string or a
// list of ContentPart.
type WireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
}

// ContentPart is a typed fragment of multimodal content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// WireToolCall is a tool call as it appears in assistant messages.
type WireToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function WireFunction `json:"function"`
}

// WireFunction names a function and its JSON-encoded arguments.
type WireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// WireTool declares a callable tool.
type WireTool struct {
	Type     string          `json:"type"`
	Function WireToolDetails `json:"function"`
}

// WireToolDetails is the function declaration of a WireTool.
type WireToolDetails struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponseFormat requests structured output.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema names the schema a structured reply must satisfy.
type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type chatResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []choice        `json:"choices"`
	Usage   *provider.Usage `json:"usage,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
}

type choice struct {
	Index        int          `json:"index"`
	Message      responseBody `json:"message"`
	Delta        responseBody `json:"delta"`
	FinishReason string       `json:"finish_reason"`
}

// responseBody is shared by full messages and stream deltas.
type responseBody struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	Reasoning        string          `json:"reasoning"`
	ToolCalls        []WireToolCall  `json:"tool_calls"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// textContent decodes content that may be null, a string or a part list.
func (b responseBody) textContent() string {
	if len(b.Content) == 0 || string(b.Content) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(b.Content, &s) == nil {
		return s
	}
	var parts []ContentPart
	if json.Unmarshal(b.Content, &parts) == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func (b responseBody) reasoning() string {
	if b.ReasoningContent != "" {
		return b.ReasoningContent
	}
	return b.Reasoning
}

// =============================================================================
// REQUEST ASSEMBLY
// =============================================================================

// BuildRequest converts params into a wire request, applying limitations:
// no-system-messages turns system turns into user turns, no-seed drops the
// seed and text-only flattens content and drops images.
func BuildRequest(params provider.ChatParams, lims provider.Limitations, stream bool) *ChatRequest {
	req := &ChatRequest{
		Model:    params.Model,
		Messages: make([]WireMessage, 0, len(params.Messages)),
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if params.OverrideParameters {
		t := params.Temperature
		req.Temperature = &t
		if params.Seed != 0 && !lims.Has(provider.NoSeed) {
			s := params.Seed
			req.Seed = &s
		}
	}

	for _, m := range params.Messages {
		req.Messages = append(req.Messages, wireMessage(m, lims))
	}

	for _, t := range params.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, WireTool{
			Type:     "function",
			Function: WireToolDetails{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = params.ToolChoice
	}
	return req
}

func wireMessage(m provider.Message, lims provider.Limitations) WireMessage {
	role := m.Role
	if role == provider.RoleSystem && lims.Has(provider.NoSystemMessages) {
		role = provider.RoleUser
	}
	out := WireMessage{Role: role, ToolCallID: m.ToolCallID}

	switch {
	case role == provider.RoleTool, lims.Has(provider.TextOnly):
		out.Content = m.Text
	case len(m.Images) == 0 && role != provider.RoleUser:
		out.Content = m.Text
	default:
		parts := make([]ContentPart, 0, len(m.Images)+1)
		if m.Text != "" || len(m.Images) == 0 {
			parts = append(parts, ContentPart{Type: "text", Text: m.Text})
		}
		for _, img := range m.Images {
			parts = append(parts, ContentPart{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: "data:image/png;base64," + img},
			})
		}
		out.Content = parts
	}

	for _, tc := range m.ToolCalls {
		args := string(tc.Arguments)
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, WireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: WireFunction{Name: tc.Name, Arguments: args},
		})
	}
	return out
}
