// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the surface shared by every inference back-end:
// model listing, streaming chat, tool-call completion and structured
// output, plus model administration for the Ollama family.
package provider

import (
	"context"
	"encoding/json"
	"io"
)

// ChunkFunc receives streamed deltas in arrival order.
type ChunkFunc func(Chunk)

// ProgressFunc receives pull and create progress records.
type ProgressFunc func(Progress)

// Client is implemented by both provider families.
type Client interface {
	// ListModels returns the provider's model catalog.
	ListModels(ctx context.Context) ([]ModelSummary, error)

	// GetModelInfo returns details for one model. Providers without an
	// info endpoint return an empty record.
	GetModelInfo(ctx context.Context, name string) (*ModelInfo, error)

	// StreamChat streams a completion. onChunk is not called once ctx is
	// done; the returned Completion holds whatever was received, also on
	// error.
	StreamChat(ctx context.Context, params ChatParams, onChunk ChunkFunc) (*Completion, error)

	// Complete performs a blocking completion, used for tool selection.
	Complete(ctx context.Context, params ChatParams) (*Completion, error)

	// CompleteStructured asks for output matching schema and returns the
	// raw JSON text of the reply.
	CompleteStructured(ctx context.Context, params ChatParams, name string, schema json.RawMessage) (string, error)
}

// ModelAdmin is implemented by the Ollama family.
type ModelAdmin interface {
	PullModel(ctx context.Context, name string, onProgress ProgressFunc) error
	CreateModel(ctx context.Context, spec CreateSpec, onProgress ProgressFunc) error
	DeleteModel(ctx context.Context, name string) error
	BlobExists(ctx context.Context, digest string) (bool, error)
	UploadBlob(ctx context.Context, digest string, r io.Reader, size int64) error
}
