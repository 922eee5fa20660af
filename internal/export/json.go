// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/store"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter renders a chat as OpenAI-shaped messages. Without metadata
// the list is keyed "messages"; with it, by the chat name, and each
// message carries its date and model.
type JSONExporter struct {
	IncludeMetadata bool
}

type jsonMessage struct {
	Role    string     `json:"role"`
	Content []jsonPart `json:"content"`
	Date    string     `json:"date,omitempty"`
	Model   string     `json:"model,omitempty"`
}

type jsonPart struct {
	Type     string    `json:"type"`
	Text     *string   `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// Export renders every message that has text.
func (e *JSONExporter) Export(tr *store.Transcript) ([]byte, error) {
	if tr == nil {
		return nil, fmt.Errorf("transcript is nil")
	}

	messages := make([]jsonMessage, 0, len(tr.Messages))
	for _, m := range tr.Messages {
		if m.Content == "" {
			continue
		}
		msg := jsonMessage{Role: string(m.Role), Content: []jsonPart{}}
		var text strings.Builder
		for _, a := range m.Attachments {
			if a.Kind == store.KindImage {
				msg.Content = append(msg.Content, jsonPart{
					Type:     "image_url",
					ImageURL: &imageURL{URL: "data:image/jpeg;base64," + a.Content},
				})
				continue
			}
			fmt.Fprintf(&text, "```%s (%s)\n%s\n```\n\n", a.Name, a.Kind, a.Content)
		}
		text.WriteString(m.Content)
		s := text.String()
		msg.Content = append(msg.Content, jsonPart{Type: "text", Text: &s})
		if e.IncludeMetadata {
			msg.Date = store.FormatTime(m.Timestamp)
			msg.Model = m.Model
		}
		messages = append(messages, msg)
	}

	key := "messages"
	if e.IncludeMetadata {
		key = tr.Chat.Name
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(map[string][]jsonMessage{key: messages}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
