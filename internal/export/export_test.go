// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/alpaca-core/internal/store"
)

var (
	t1 = time.Date(2025, 3, 7, 9, 30, 0, 0, time.Local)
	t2 = t1.Add(5 * time.Second)
)

func sampleTranscript() *store.Transcript {
	return &store.Transcript{
		Chat: store.Chat{ID: "c1", Name: "Cats & Dogs"},
		Messages: []store.Message{
			{ID: "m1", Role: store.RoleUser, Timestamp: t1, Content: "What is <this>?", Attachments: []store.Attachment{
				{Kind: store.KindImage, Name: "cat.png", Content: "aGVsbG8="},
				{Kind: store.KindPlainText, Name: "notes.txt", Content: "line one\nline two"},
			}},
			{ID: "m2", Role: store.RoleAssistant, Model: "llama3.2:1b", Timestamp: t2, Content: "A cat.", Attachments: []store.Attachment{
				{Kind: store.KindThought, Name: "Thought", Content: "looks feline"},
			}},
			{ID: "m3", Role: store.RoleAssistant, Model: "llama3.2:1b", Timestamp: t2},
		},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{"md", FormatMarkdown, false},
		{"Markdown", FormatMarkdown, false},
		{"obsidian", FormatObsidian, false},
		{" JSON-META ", FormatJSONMeta, false},
		{"db", FormatDB, false},
		{"html", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMarkdown(t *testing.T) {
	out, err := Render(sampleTranscript(), FormatMarkdown)
	require.NoError(t, err)

	want := strings.Join([]string{
		"### **User** | " + store.FormatTime(t1),
		"What is <this>?",
		"![🖼️ cat.png](data:image/png;base64,aGVsbG8=)",
		"<details>\n\n<summary>📃 notes.txt</summary>\n\n```TXT\nline one\nline two\n```\n\n</details>",
		"----",
		"### **Llama3.2 (1b)** | " + store.FormatTime(t2),
		"A cat.",
		"<details>\n\n<summary>🧠 Thought</summary>\n\n```TXT\nlooks feline\n```\n\n</details>",
		"----",
		Footer,
	}, "\n\n")
	assert.Equal(t, want, string(out))
}

func TestMarkdownObsidian(t *testing.T) {
	out, err := Render(sampleTranscript(), FormatObsidian)
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "> [!quote]- notes.txt\n> line one\n> line two\n")
	assert.Contains(t, s, "> [!quote]- Thought\n> looks feline\n")
	assert.NotContains(t, s, "<details>")
	assert.True(t, strings.HasSuffix(s, Footer))
}

func TestJSON(t *testing.T) {
	out, err := Render(sampleTranscript(), FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(out), "\n    \"messages\": [", "four-space indent")
	assert.Contains(t, string(out), "<this>", "HTML is not escaped")

	var doc map[string][]map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	msgs := doc["messages"]
	require.Len(t, msgs, 2, "messages without text are skipped")

	assert.Equal(t, "user", msgs[0]["role"])
	assert.NotContains(t, msgs[0], "date")
	parts := msgs[0]["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": "data:image/jpeg;base64,aGVsbG8="},
	}, parts[0])
	assert.Equal(t, map[string]any{
		"type": "text",
		"text": "```notes.txt (plain_text)\nline one\nline two\n```\n\nWhat is <this>?",
	}, parts[1])
}

func TestJSONWithMetadata(t *testing.T) {
	out, err := Render(sampleTranscript(), FormatJSONMeta)
	require.NoError(t, err)

	var doc map[string][]map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	msgs, ok := doc["Cats & Dogs"]
	require.True(t, ok, "keyed by chat name")
	require.Len(t, msgs, 2)
	assert.Equal(t, store.FormatTime(t2), msgs[1]["date"])
	assert.Equal(t, "llama3.2:1b", msgs[1]["model"])
	assert.NotContains(t, msgs[0], "model", "user turns have no model")
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "a-b- c.md", FileName(" a/b:\tc ", FormatMarkdown))
	assert.Equal(t, "chat.db", FileName("", FormatDB))
	assert.Equal(t, "x.json", FileName("x", FormatJSONMeta))
}

func TestToFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(ctx, store.Options{Path: filepath.Join(dir, "alpaca.db")})
	require.NoError(t, err)
	defer st.Close()

	chat, err := st.CreateChat(ctx, "Exported", "")
	require.NoError(t, err)
	require.NoError(t, st.UpsertMessage(ctx, &store.Message{ChatID: chat.ID, Role: store.RoleUser, Content: "hello", Timestamp: t1}))

	mdPath := filepath.Join(dir, "out", "chat.md")
	require.NoError(t, ToFile(ctx, st, chat.ID, FormatMarkdown, mdPath))
	data, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "### **User** | "+store.FormatTime(t1)+"\n\nhello")

	dbPath := filepath.Join(dir, "chat.db")
	require.NoError(t, ToFile(ctx, st, chat.ID, FormatDB, dbPath))
	imported, err := st.ImportChats(ctx, dbPath)
	require.NoError(t, err)
	require.Len(t, imported, 1)
	assert.NotEqual(t, chat.ID, imported[0].ID)
}
