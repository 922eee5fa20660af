// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"io"
	"time"
)

// JSONResponse is the envelope of every --json output.
type JSONResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	// Error is null on success.
	Error     *string `json:"error"`
	Timestamp string  `json:"timestamp"`
	Command   string  `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a failed response.
func NewJSONErrorResponse(err error) *JSONResponse {
	msg := err.Error()
	return &JSONResponse{
		Error:     &msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Write encodes the response, indented, to w.
func (r *JSONResponse) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// =============================================================================
// COMMAND DATA
// =============================================================================

// ChatData is one chat of the list command.
type ChatData struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FolderID     string `json:"folder_id,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

// InstanceData is one instance of instances list.
type InstanceData struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	URL          string `json:"url,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	Selected     bool   `json:"selected"`
	Pinned       bool   `json:"pinned"`
}

// ModelData is one model of models list and models search.
type ModelData struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Size         int64    `json:"size,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// ToolData is one tool of tools list.
type ToolData struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description"`
	Variables   map[string]string `json:"variables,omitempty"`
}
