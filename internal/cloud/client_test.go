// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL + "/v1"
	opts.RetryDelay = time.Millisecond
	return New(opts)
}

// =============================================================================
// REQUEST ASSEMBLY
// =============================================================================

func TestBuildRequestLimitations(t *testing.T) {
	params := provider.ChatParams{
		Model: "m",
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Text: "be brief"},
			{Role: provider.RoleUser, Text: "look", Images: []string{"AAAA"}},
		},
		OverrideParameters: true,
		Temperature:        0.7,
		Seed:               42,
	}

	tests := []struct {
		name       string
		lims       provider.Limitations
		wantRole   string
		wantSeed   bool
		wantString bool
	}{
		{"none", nil, provider.RoleSystem, true, false},
		{"no system", provider.Limitations{provider.NoSystemMessages}, provider.RoleUser, true, false},
		{"no seed", provider.Limitations{provider.NoSeed}, provider.RoleSystem, false, false},
		{"text only", provider.Limitations{provider.TextOnly}, provider.RoleSystem, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := BuildRequest(params, tt.lims, false)
			require.Len(t, req.Messages, 2)
			assert.Equal(t, tt.wantRole, req.Messages[0].Role)
			assert.Equal(t, tt.wantSeed, req.Seed != nil)
			require.NotNil(t, req.Temperature)
			assert.InDelta(t, 0.7, *req.Temperature, 1e-9)

			_, isString := req.Messages[1].Content.(string)
			assert.Equal(t, tt.wantString, isString)
			if !isString {
				parts := req.Messages[1].Content.([]ContentPart)
				require.Len(t, parts, 2)
				assert.Equal(t, "data:image/png;base64,AAAA", parts[1].ImageURL.URL)
			}
		})
	}
}

func TestBuildRequestOmitsUnsetParameters(t *testing.T) {
	req := BuildRequest(provider.ChatParams{
		Model:       "m",
		Messages:    []provider.Message{{Role: provider.RoleUser, Text: "hi"}},
		Temperature: 0.5,
		Seed:        3,
	}, nil, true)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	s := string(data)
	assert.NotContains(t, s, "temperature")
	assert.NotContains(t, s, "seed")
	assert.NotContains(t, s, "max_tokens")
	assert.Contains(t, s, `"include_usage":true`)
}

func TestBuildRequestToolTurns(t *testing.T) {
	req := BuildRequest(provider.ChatParams{
		Model: "m",
		Messages: []provider.Message{
			{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{{ID: "c1", Name: "time"}}},
			{Role: provider.RoleTool, ToolCallID: "c1", Text: "noon"},
		},
		Tools:      []provider.Tool{{Name: "time", Description: "clock"}},
		ToolChoice: provider.ToolChoiceNone,
	}, nil, false)

	assert.Equal(t, "{}", req.Messages[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c1", req.Messages[1].ToolCallID)
	assert.Equal(t, "noon", req.Messages[1].Content)
	assert.Equal(t, "none", req.ToolChoice)
	assert.Equal(t, "function", req.Tools[0].Type)
}

// =============================================================================
// STREAMING
// =============================================================================

func TestSSEReader(t *testing.T) {
	input := ": comment\nevent: message\ndata: {\"a\":1}\n\ndata: one\ndata: two\n\ndata: [DONE]\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "message", ev)
	assert.Equal(t, `{"a":1}`, string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "[DONE]", string(data))

	_, _, err = r.ReadEvent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamChat(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"model":"m","choices":[{"delta":{"role":"assistant","reasoning_content":"hmm"}}]}`,
			`{"model":"m","choices":[{"delta":{"content":"Hel"}}]}`,
			`{"model":"m","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"model":"m","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, ch := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", ch)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, Options{APIKey: " sk-test "})

	var content, thinking strings.Builder
	out, err := c.StreamChat(context.Background(), provider.ChatParams{
		Model:    "m",
		Messages: []provider.Message{{Role: provider.RoleUser, Text: "hi"}},
	}, func(ch provider.Chunk) {
		content.WriteString(ch.Content)
		thinking.WriteString(ch.Thinking)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Content)
	assert.Equal(t, "Hello", content.String())
	assert.Equal(t, "hmm", thinking.String())
	assert.Equal(t, "stop", out.FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 5, out.Usage.TotalTokens)
	assert.Equal(t, true, gotBody["stream"])
}

func TestStreamChatAccumulatesToolCalls(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"wiki","arguments":"{\"q\":"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]},"finish_reason":"tool_calls"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, Options{})

	out, err := c.StreamChat(context.Background(), provider.ChatParams{Model: "m"}, nil)
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "c1", out.ToolCalls[0].ID)
	assert.Equal(t, "wiki", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(out.ToolCalls[0].Arguments))
}

func TestStreamChatInStreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"part"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
	}, Options{})

	out, err := c.StreamChat(context.Background(), provider.ChatParams{Model: "m"}, nil)
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.KindProtocol))
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, "part", out.Content)
}

func TestStreamChatEndOfStream(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name:    "closed mid reply",
			body:    `data: {"choices":[{"delta":{"content":"part"}}]}` + "\n\n",
			wantErr: true,
		},
		{
			name: "finish reason without done marker",
			body: `data: {"choices":[{"delta":{"content":"part"},"finish_reason":"stop"}]}` + "\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}, Options{})

			out, err := c.StreamChat(context.Background(), provider.ChatParams{Model: "m"}, nil)
			assert.Equal(t, "part", out.Content)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, provider.IsKind(err, provider.KindNetwork))
		})
	}
}

func TestStreamChatCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, Options{})

	var calls int
	out, err := c.StreamChat(ctx, provider.ChatParams{Model: "m"}, func(provider.Chunk) {
		calls++
		cancel()
	})
	require.Error(t, err)
	assert.True(t, provider.IsCancelled(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "a", out.Content)
}

// =============================================================================
// BLOCKING CALLS AND ERRORS
// =============================================================================

func TestCompleteStructured(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.ResponseFormat)
		assert.Equal(t, "json_schema", body.ResponseFormat.Type)
		assert.Equal(t, "ChatTitle", body.ResponseFormat.JSONSchema.Name)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"title\":\"Hi\"}"}}]}`))
	}, Options{})

	out, err := c.CompleteStructured(context.Background(), provider.ChatParams{Model: "m"},
		"ChatTitle", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Hi"}`, out)
}

func TestStatusErrorKinds(t *testing.T) {
	tests := []struct {
		status  int
		body    string
		kind    provider.Kind
		message string
	}{
		{401, `{"error":{"message":"bad key"}}`, provider.KindAuth, "bad key"},
		{404, `{"error":"no such model"}`, provider.KindModel, "no such model"},
		{429, `slow down`, provider.KindNetwork, "slow down"},
		{400, `[{"error":{"message":"gemini says no"}}]`, provider.KindProtocol, "gemini says no"},
		{500, ``, provider.KindProtocol, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := StatusError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.kind, provider.KindOf(err))
			assert.Equal(t, tt.message, err.(*provider.Error).Message)
		})
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}, Options{})

	out, err := c.Complete(context.Background(), provider.ChatParams{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestNoRetryOnAuthError(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, Options{})

	_, err := c.Complete(context.Background(), provider.ChatParams{Model: "m"})
	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, provider.KindAuth, perr.Kind)
	assert.Equal(t, int32(1), attempts.Load())
}

// =============================================================================
// LISTING
// =============================================================================

func TestListModels(t *testing.T) {
	tests := []struct {
		name    string
		listing Listing
		body    string
		want    []string
	}{
		{
			name:    "generic filters non-chat",
			listing: ListingGeneric,
			body:    `{"data":[{"id":"gpt-4o"},{"id":"text-embedding-3"},{"id":"dall-e-3"},{"id":"whisper-1"},{"id":"gpt-image-1"},{"id":"a-model"}]}`,
			want:    []string{"a-model", "gpt-4o"},
		},
		{
			name:    "together keeps chat",
			listing: ListingTogether,
			body:    `[{"id":"x","type":"chat","display_name":"X"},{"id":"y","type":"image"}]`,
			want:    []string{"x"},
		},
		{
			name:    "fireworks keeps chat capability",
			listing: ListingFireworks,
			body:    `{"data":[{"id":"f1","capabilities":["chat"]},{"id":"f2","capabilities":["embed"]}]}`,
			want:    []string{"f1"},
		},
		{
			name:    "all keeps everything",
			listing: ListingAll,
			body:    `{"data":[{"id":"text-embedding"},{"id":"b","name":"B"},{"name":"no id"}]}`,
			want:    []string{"b", "text-embedding"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/models", r.URL.Path)
				w.Write([]byte(tt.body))
			}, Options{Listing: tt.listing})

			models, err := c.ListModels(context.Background())
			require.NoError(t, err)
			var names []string
			for _, m := range models {
				names = append(names, m.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestListModelsGemini(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gk", r.URL.Query().Get("key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"models":[
			{"name":"models/gemini-2.0-flash","supportedGenerationMethods":["generateContent"]},
			{"name":"models/old","description":"Deprecated soon","supportedGenerationMethods":["generateContent"]},
			{"name":"models/embed","supportedGenerationMethods":["embedContent"]}
		]}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, APIKey: "gk", Listing: ListingGemini, ListURL: srv.URL + "/models"})
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gemini-2.0-flash", models[0].Name)
	assert.Contains(t, models[0].Capabilities, provider.CapVision)
}
