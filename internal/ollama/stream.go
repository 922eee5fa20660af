// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

// =============================================================================
// NDJSON LINES
// =============================================================================

// lineReader yields non-empty NDJSON lines.
type lineReader struct {
	reader *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{reader: bufio.NewReader(r)}
}

// next returns the next non-empty line, or io.EOF.
func (l *lineReader) next() ([]byte, error) {
	for {
		line, err := l.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// =============================================================================
// CHAT STREAM
// =============================================================================

// StreamReader folds a native chat stream into a Completion.
type StreamReader struct {
	lines    *lineReader
	content  strings.Builder
	thinking strings.Builder
	out      provider.Completion
}

// NewStreamReader creates a stream reader over r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{lines: newLineReader(r)}
}

// Process reads until the done record, an error record or ctx
// cancellation. EOF before the done record is a KindNetwork error. onChunk
// is not called once ctx is done. The Completion is returned in every case
// and holds what arrived.
func (s *StreamReader) Process(ctx context.Context, onChunk provider.ChunkFunc) (*provider.Completion, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s.result(), provider.Wrap(provider.KindCancelled, "stream cancelled", err)
		}

		line, err := s.lines.next()
		if err != nil {
			if ctx.Err() != nil {
				return s.result(), provider.Wrap(provider.KindCancelled, "stream cancelled", ctx.Err())
			}
			if errors.Is(err, io.EOF) {
				return s.result(), provider.Errorf(provider.KindNetwork, "stream ended before completion")
			}
			return s.result(), provider.Wrap(provider.KindNetwork, "stream interrupted", err)
		}

		var rec ChatRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Error != "" {
			return s.result(), provider.Errorf(provider.KindProtocol, "%s", rec.Error)
		}
		if rec.Model != "" {
			s.out.Model = rec.Model
		}
		for _, tc := range rec.Message.ToolCalls {
			s.out.ToolCalls = append(s.out.ToolCalls, provider.ToolCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}

		chunk := provider.Chunk{Content: rec.Message.Content, Thinking: rec.Message.Thinking}
		if rec.Done {
			chunk.FinishReason = rec.DoneReason
			s.out.FinishReason = rec.DoneReason
			s.out.Raw = json.RawMessage(line)
			s.out.Usage = &provider.Usage{
				PromptTokens:     rec.PromptEvalCount,
				CompletionTokens: rec.EvalCount,
				TotalTokens:      rec.PromptEvalCount + rec.EvalCount,
			}
		}
		s.content.WriteString(chunk.Content)
		s.thinking.WriteString(chunk.Thinking)
		if onChunk != nil && ctx.Err() == nil && (chunk.Content != "" || chunk.Thinking != "" || rec.Done) {
			onChunk(chunk)
		}
		if rec.Done {
			return s.result(), nil
		}
	}
}

func (s *StreamReader) result() *provider.Completion {
	out := s.out
	out.Content = s.content.String()
	out.Thinking = s.thinking.String()
	return &out
}

// =============================================================================
// PROGRESS STREAM
// =============================================================================

// readProgress forwards pull/create progress records to onProgress until a
// success status or EOF. A record carrying an error ends the stream with a
// KindModel error.
func readProgress(ctx context.Context, r io.Reader, onProgress provider.ProgressFunc) error {
	lines := newLineReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return provider.Wrap(provider.KindCancelled, "operation cancelled", err)
		}
		line, err := lines.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return provider.Errorf(provider.KindProtocol, "progress stream ended without success")
			}
			if ctx.Err() != nil {
				return provider.Wrap(provider.KindCancelled, "operation cancelled", ctx.Err())
			}
			return provider.Wrap(provider.KindNetwork, "progress stream interrupted", err)
		}

		var p provider.Progress
		if err := json.Unmarshal(line, &p); err != nil {
			continue
		}
		if p.Error != "" {
			return provider.Errorf(provider.KindModel, "%s", p.Error)
		}
		if onProgress != nil && ctx.Err() == nil {
			onProgress(p)
		}
		if p.Status == provider.StatusSuccess {
			return nil
		}
	}
}
