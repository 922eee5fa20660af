// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

// MaxChunkSize bounds a single SSE event.
const MaxChunkSize = 1024 * 1024

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent returns the event type and the joined data lines of the next
// event. It returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > MaxChunkSize {
				return "", nil, provider.Errorf(provider.KindProtocol, "stream event exceeded %d bytes", MaxChunkSize)
			}
			dataLines = append(dataLines, data)
		}
		// id:, retry: and ":" comments are ignored.
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamChat streams a chat completion. onChunk receives content and
// reasoning deltas in order and is never called once ctx is done. The
// returned Completion holds whatever arrived, even when err is non-nil.
func (c *Client) StreamChat(ctx context.Context, params provider.ChatParams, onChunk provider.ChunkFunc) (*provider.Completion, error) {
	body := BuildRequest(params, c.opts.Limitations, true)
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.baseURL+"chat/completions", body)
	if err != nil {
		return &provider.Completion{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	c.log.Debugw("stream request", "model", params.Model, "messages", len(params.Messages), "tools", len(params.Tools))
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return &provider.Completion{}, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := readResponse(resp)
		return &provider.Completion{}, StatusError(resp.StatusCode, data)
	}
	return c.processStream(ctx, resp.Body, onChunk)
}

// processStream folds SSE chunks into a Completion.
func (c *Client) processStream(ctx context.Context, body io.Reader, onChunk provider.ChunkFunc) (*provider.Completion, error) {
	reader := NewSSEReader(body)
	out := &provider.Completion{}
	var content, thinking strings.Builder
	calls := newToolCallAccumulator()

	finish := func() *provider.Completion {
		out.Content = content.String()
		out.Thinking = thinking.String()
		out.ToolCalls = calls.result()
		return out
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(), provider.Wrap(provider.KindCancelled, "stream cancelled", err)
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return finish(), provider.Wrap(provider.KindCancelled, "stream cancelled", ctx.Err())
			}
			if errors.Is(err, io.EOF) {
				// Some providers close after the finish reason without [DONE].
				if out.FinishReason != "" {
					return finish(), nil
				}
				return finish(), provider.Errorf(provider.KindNetwork, "stream ended before completion")
			}
			var perr *provider.Error
			if errors.As(err, &perr) {
				return finish(), err
			}
			return finish(), provider.Wrap(provider.KindNetwork, "stream interrupted", err)
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return finish(), nil
		}

		var chunk chatResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			c.log.Debugw("skipping malformed chunk", "error", err)
			continue
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return finish(), provider.Errorf(provider.KindProtocol, "%s", chunk.Error.Message)
		}
		out.Raw = json.RawMessage(data)
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		ch := chunk.Choices[0]
		delta := provider.Chunk{
			Content:      ch.Delta.textContent(),
			Thinking:     ch.Delta.reasoning(),
			FinishReason: ch.FinishReason,
		}
		calls.add(ch.Delta.ToolCalls)
		if ch.FinishReason != "" {
			out.FinishReason = ch.FinishReason
		}
		if delta.Content == "" && delta.Thinking == "" && delta.FinishReason == "" {
			continue
		}
		content.WriteString(delta.Content)
		thinking.WriteString(delta.Thinking)
		if onChunk != nil && ctx.Err() == nil {
			onChunk(delta)
		}
	}
}

// toolCallAccumulator merges streamed tool-call fragments by index.
type toolCallAccumulator struct {
	order []int
	calls map[int]*provider.ToolCall
	args  map[int]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		calls: map[int]*provider.ToolCall{},
		args:  map[int]*strings.Builder{},
	}
}

func (a *toolCallAccumulator) add(fragments []WireToolCall) {
	for i, f := range fragments {
		idx := i
		if f.Index != nil {
			idx = *f.Index
		}
		tc, ok := a.calls[idx]
		if !ok {
			tc = &provider.ToolCall{}
			a.calls[idx] = tc
			a.args[idx] = &strings.Builder{}
			a.order = append(a.order, idx)
		}
		if f.ID != "" {
			tc.ID = f.ID
		}
		if f.Function.Name != "" {
			tc.Name = f.Function.Name
		}
		a.args[idx].WriteString(f.Function.Arguments)
	}
}

func (a *toolCallAccumulator) result() []provider.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		tc := *a.calls[idx]
		tc.Arguments = normalizeArguments(a.args[idx].String())
		out = append(out, tc)
	}
	return out
}
