// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(ClientConfig{BaseURL: srv.URL + "/", APIKey: "tok"})
}

func TestStreamChatNative(t *testing.T) {
	var got ChatRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		lines := []string{
			`{"model":"llama3.2","message":{"role":"assistant","content":"","thinking":"let me see"},"done":false}`,
			`{"model":"llama3.2","message":{"role":"assistant","content":"Hi"},"done":false}`,
			`{"model":"llama3.2","message":{"role":"assistant","content":" there"},"done":false}`,
			`{"model":"llama3.2","message":{"role":"assistant","content":"!"},"done":false}`,
			`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":3,"total_duration":12345}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	})

	keep := 300
	think := true
	var deltas []string
	var thinking strings.Builder
	out, err := c.StreamChat(context.Background(), provider.ChatParams{
		Model:              "llama3.2",
		Messages:           []provider.Message{{Role: provider.RoleUser, Text: "Hello", Images: []string{"QUJD"}}},
		OverrideParameters: true,
		Temperature:        0.7,
		Seed:               5,
		NumCtx:             16384,
		KeepAlive:          &keep,
		Think:              &think,
	}, func(ch provider.Chunk) {
		if ch.Content != "" {
			deltas = append(deltas, ch.Content)
		}
		thinking.WriteString(ch.Thinking)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hi", " there", "!"}, deltas)
	assert.Equal(t, "Hi there!", out.Content)
	assert.Equal(t, "let me see", thinking.String())
	assert.Equal(t, "stop", out.FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 10, out.Usage.TotalTokens)
	assert.Contains(t, string(out.Raw), `"total_duration":12345`)

	require.NotNil(t, got.Options)
	assert.Equal(t, 16384, got.Options.NumCtx)
	assert.Equal(t, 5, got.Options.Seed)
	assert.InDelta(t, 0.7, *got.Options.Temperature, 1e-9)
	assert.Equal(t, 300, *got.KeepAlive)
	assert.True(t, *got.Think)
	assert.Equal(t, []string{"QUJD"}, got.Messages[0].Images)
}

func TestStreamChatErrorRecord(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"par"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	})
	out, err := c.StreamChat(context.Background(), provider.ChatParams{Model: "m"}, nil)
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.KindProtocol))
	assert.Equal(t, "par", out.Content)
}

func TestStreamChatPeerClosedEarly(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"Par"},"done":false}`)
	})
	out, err := c.StreamChat(context.Background(), provider.ChatParams{Model: "m"}, nil)
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.KindNetwork))
	assert.Contains(t, err.Error(), "stream ended before completion")
	assert.Equal(t, "Par", out.Content)
}

func TestStreamChatNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"nope\" not found"}`))
	})
	_, err := c.StreamChat(context.Background(), provider.ChatParams{Model: "nope"}, nil)
	assert.True(t, provider.IsKind(err, provider.KindModel))
}

func TestBuildChatRequestToolTurns(t *testing.T) {
	req := BuildChatRequest(provider.ChatParams{
		Model: "m",
		Messages: []provider.Message{
			{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{{ID: "call_1", Name: "get_current_datetime"}}},
			{Role: provider.RoleTool, ToolCallID: "call_1", Text: "Monday"},
		},
		Tools: []provider.Tool{{Name: "get_current_datetime"}},
	}, true)

	assert.Nil(t, req.Options)
	require.Len(t, req.Messages, 2)
	assert.JSONEq(t, `{}`, string(req.Messages[0].ToolCalls[0].Function.Arguments))
	assert.Equal(t, "get_current_datetime", req.Messages[1].ToolName)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"tools"`)
}

func TestCompleteUsesCompatPath(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.NotEmpty(t, body["tools"])
		w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"id":"call_9","type":"function","function":{"name":"get_current_datetime","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`))
	})
	out, err := c.Complete(context.Background(), provider.ChatParams{
		Model:      "m",
		Tools:      []provider.Tool{{Name: "get_current_datetime"}},
		ToolChoice: provider.ToolChoiceAuto,
	})
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "call_9", out.ToolCalls[0].ID)
}

func TestCompleteStructured(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.False(t, body.Stream)
		assert.JSONEq(t, `{"type":"object"}`, string(body.Format))
		w.Write([]byte(`{"message":{"role":"assistant","content":"{\"title\":\"Greeting\"}"},"done":true}`))
	})
	out, err := c.CompleteStructured(context.Background(), provider.ChatParams{Model: "m"},
		"ChatTitle", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Greeting"}`, out)
}

func TestListAndShow(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"qwen3:4b","size":2},{"name":"gemma3:1b","size":1}]}`))
		case "/api/show":
			var body showRequest
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "qwen3:4b", body.Model)
			w.Write([]byte(`{"system":"be nice","capabilities":["completion","tools","thinking"],
				"details":{"parameter_size":"4.0B","family":"qwen3","parent_model":""}}`))
		default:
			http.NotFound(w, r)
		}
	})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gemma3:1b", models[0].Name)

	info, err := c.GetModelInfo(context.Background(), "qwen3:4b")
	require.NoError(t, err)
	assert.Equal(t, "4.0B", info.ParameterSize)
	assert.Equal(t, "qwen3", info.Family)
	assert.Equal(t, "be nice", info.System)
	assert.True(t, info.HasCapability(provider.CapTools))
	assert.False(t, info.HasCapability(provider.CapVision))
}

func TestPullModelProgress(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/pull", r.URL.Path)
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"status":"pulling abc","digest":"sha256:abc","completed":500,"total":1000}`)
		fmt.Fprintln(w, `{"status":"success"}`)
	})
	var fractions []float64
	err := c.PullModel(context.Background(), "llama3.2:1b", func(p provider.Progress) {
		fractions = append(fractions, p.Fraction())
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 0.5, -1}, fractions)
}

func TestPullModelErrorRecord(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"error":"pull model manifest: file does not exist"}`)
	})
	err := c.PullModel(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.KindModel))
	assert.Contains(t, err.Error(), "file does not exist")
}

func TestCreateModel(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mine", body["model"])
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, map[string]any{"model.gguf": "sha256:beef"}, body["files"])
		fmt.Fprintln(w, `{"status":"success"}`)
	})
	err := c.CreateModel(context.Background(), provider.CreateSpec{
		Model: "mine",
		Files: map[string]string{"model.gguf": "sha256:beef"},
	}, nil)
	require.NoError(t, err)
}

func TestBlobs(t *testing.T) {
	var uploaded []byte
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/api/blobs/sha256:"))
		digest := strings.TrimPrefix(r.URL.Path, "/api/blobs/sha256:")
		switch r.Method {
		case http.MethodHead:
			if digest == "have" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			uploaded, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		}
	})
	ctx := context.Background()

	ok, err := c.BlobExists(ctx, "sha256:have")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.BlobExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.UploadBlob(ctx, "sha256-new", bytes.NewReader([]byte("gguf")), 4))
	assert.Equal(t, "gguf", string(uploaded))
}

func TestDeleteModel(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/delete", r.URL.Path)
	})
	require.NoError(t, c.DeleteModel(context.Background(), "gemma3:1b"))
}
