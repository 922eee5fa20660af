// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package title

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

type fakeClient struct {
	structured    string
	structuredErr error
	plain         string
	plainErr      error

	structuredParams provider.ChatParams
	plainParams      provider.ChatParams
	schema           json.RawMessage
	plainCalls       int
}

func (f *fakeClient) ListModels(context.Context) ([]provider.ModelSummary, error) { return nil, nil }
func (f *fakeClient) GetModelInfo(context.Context, string) (*provider.ModelInfo, error) {
	return nil, nil
}
func (f *fakeClient) StreamChat(context.Context, provider.ChatParams, provider.ChunkFunc) (*provider.Completion, error) {
	return nil, nil
}
func (f *fakeClient) Complete(_ context.Context, p provider.ChatParams) (*provider.Completion, error) {
	f.plainCalls++
	f.plainParams = p
	if f.plainErr != nil {
		return nil, f.plainErr
	}
	return &provider.Completion{Content: f.plain}, nil
}
func (f *fakeClient) CompleteStructured(_ context.Context, p provider.ChatParams, _ string, schema json.RawMessage) (string, error) {
	f.structuredParams = p
	f.schema = schema
	return f.structured, f.structuredErr
}

func TestGenerateOpenAI(t *testing.T) {
	client := &fakeClient{structured: `{"title": "Trip to Lima", "emoji": "✈️"}`}
	got, err := New(nil).Generate(context.Background(), Request{
		Client: client, Model: "gpt", Prompt: "plan my trip",
	})
	require.NoError(t, err)
	assert.Equal(t, "✈️ Trip to Lima", got)

	p := client.structuredParams
	assert.Equal(t, MaxTokens, p.MaxTokens)
	assert.Equal(t, Temperature, p.Temperature)
	require.Len(t, p.Messages, 2)
	assert.Equal(t, provider.RoleSystem, p.Messages[0].Role)
	assert.Equal(t, "Generate a title for this prompt:\nplan my trip", p.Messages[1].Text)
	assert.JSONEq(t, string(titleSchema), string(client.schema))
}

func TestGenerateOpenAINoSystemMessages(t *testing.T) {
	client := &fakeClient{structured: `{"title": "Hi", "emoji": ""}`}
	got, err := New(nil).Generate(context.Background(), Request{
		Client: client, Model: "gemini", Prompt: "hello",
		Limitations: provider.Limitations{provider.NoSystemMessages},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi", got)
	assert.Equal(t, provider.RoleUser, client.structuredParams.Messages[0].Role)
}

func TestGenerateOpenAIFallsBackToText(t *testing.T) {
	client := &fakeClient{
		structuredErr: provider.Errorf(provider.KindProtocol, "response_format unsupported"),
		plain:         "<think>hmm</think>\nA Rather Long Title About Many Different Things",
	}
	got, err := New(nil).Generate(context.Background(), Request{Client: client, Model: "m", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.plainCalls)
	assert.Equal(t, "A Rather Long Title About Many...", got)
}

func TestGenerateFailureKeepsName(t *testing.T) {
	client := &fakeClient{
		structuredErr: provider.Errorf(provider.KindNetwork, "down"),
		plainErr:      provider.Errorf(provider.KindNetwork, "down"),
	}
	_, err := New(nil).Generate(context.Background(), Request{Client: client, Model: "m", Prompt: "x"})
	assert.Error(t, err)
}

func TestGenerateOllama(t *testing.T) {
	client := &fakeClient{structured: `{"title": "Llama facts", "emoji": "🦙"}`}
	got, err := New(nil).Generate(context.Background(), Request{
		Client: client, Ollama: true, Model: "llama3", Prompt: "tell me about llamas", NumCtx: 8192,
	})
	require.NoError(t, err)
	assert.Equal(t, "🦙 Llama facts", got)

	p := client.structuredParams
	require.Len(t, p.Messages, 1)
	assert.Equal(t, PromptOllama+"\n\ntell me about llamas", p.Messages[0].Text)
	require.NotNil(t, p.KeepAlive)
	assert.Equal(t, 0, *p.KeepAlive)
	require.NotNil(t, p.Think)
	assert.False(t, *p.Think)
	assert.Equal(t, 8192, p.NumCtx)
	assert.Equal(t, MaxTokens, p.MaxTokens)
}

func TestGenerateOllamaEmpty(t *testing.T) {
	got, err := New(nil).Generate(context.Background(), Request{
		Client: &fakeClient{structured: ""}, Ollama: true, Model: "m",
	})
	require.NoError(t, err)
	assert.Equal(t, Fallback, got)
}

func TestGenerateTruncatedThought(t *testing.T) {
	got, err := New(nil).Generate(context.Background(), Request{
		Client: &fakeClient{plain: "<think>\nOkay, the user wants a title for", structuredErr: assert.AnError},
		Model:  "m",
	})
	require.NoError(t, err)
	assert.Equal(t, Fallback, got)
}

func TestCompose(t *testing.T) {
	tests := []struct {
		emoji, title, want string
	}{
		{"🦙", "Llamas", "🦙 Llamas"},
		{"👩‍💻", "Coding", "👩‍💻 Coding"},
		{"🦙🦙", "Llamas", "Llamas"},
		{"", "Llamas", "Llamas"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Compose(tt.emoji, tt.title), tt.emoji)
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"trims", "  Short\n", "Short"},
		{"closed thought", "<think>\nlong\nthought\n</think>Answer", "Answer"},
		{"unclosed thought", "<think>\nOkay, the user wants a title for", ""},
		{"unclosed begin of thought", "Llamas <|begin_of_thought|>hmm", "Llamas"},
		{"closed begin of thought", "<|begin_of_thought|>hmm<|end_of_thought|>Llamas", "Llamas"},
		{"stray closing tag", "reasoning here</think>\nLlama Facts", "Llama Facts"},
		{"exact length", "123456789012345678901234567890", "123456789012345678901234567890"},
		{"too long", "12345678901234567890123456789 Xmore", "12345678901234567890123456789..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}
