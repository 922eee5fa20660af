// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"path"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/models"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// Footer closes every markdown export.
const Footer = "Generated from [Alpaca](https://github.com/Jeffser/Alpaca)"

// separator follows every message.
const separator = "----"

// kindEmoji prefixes attachment summaries in plain markdown.
var kindEmoji = map[store.AttachmentKind]string{
	store.KindPlainText: "📃",
	store.KindCode:      "💻",
	store.KindPDF:       "📕",
	store.KindYouTube:   "📹",
	store.KindWebsite:   "🌐",
	store.KindThought:   "🧠",
}

// MarkdownExporter renders a chat as markdown. Obsidian selects quote
// callouts for attachments instead of HTML details blocks.
type MarkdownExporter struct {
	Obsidian bool
}

// Export renders every message that has text.
func (e *MarkdownExporter) Export(tr *store.Transcript) ([]byte, error) {
	if tr == nil {
		return nil, fmt.Errorf("transcript is nil")
	}

	var parts []string
	for _, m := range tr.Messages {
		if m.Content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("### **%s** | %s", author(m), store.FormatTime(m.Timestamp)))
		parts = append(parts, m.Content)
		for _, a := range m.Attachments {
			if a.Kind == store.KindImage {
				parts = append(parts, imageLink(a))
			}
		}
		for _, a := range m.Attachments {
			if a.Kind == store.KindImage {
				continue
			}
			if e.Obsidian {
				parts = append(parts, callout(a))
			} else {
				parts = append(parts, details(a))
			}
		}
		parts = append(parts, separator)
	}
	parts = append(parts, Footer)
	return []byte(strings.Join(parts, "\n\n")), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// author names the writer of a message. Replies are credited to their
// model.
func author(m store.Message) string {
	switch m.Role {
	case store.RoleSystem:
		return "System"
	case store.RoleAssistant:
		if m.Model != "" {
			return models.PrettyName(m.Model)
		}
		return "Assistant"
	}
	return "User"
}

// imageLink embeds an image as a data URI. The subtype comes from the
// file name and defaults to png.
func imageLink(a store.Attachment) string {
	subtype := strings.TrimPrefix(strings.ToLower(path.Ext(a.Name)), ".")
	if subtype == "" {
		subtype = "png"
	}
	return fmt.Sprintf("![🖼️ %s](data:image/%s;base64,%s)", a.Name, subtype, a.Content)
}

func details(a store.Attachment) string {
	summary := strings.TrimSpace(kindEmoji[a.Kind] + " " + a.Name)
	return fmt.Sprintf("<details>\n\n<summary>%s</summary>\n\n```TXT\n%s\n```\n\n</details>", summary, a.Content)
}

func callout(a store.Attachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "> [!quote]- %s\n", a.Name)
	for _, line := range strings.Split(a.Content, "\n") {
		fmt.Fprintf(&b, "> %s\n", line)
	}
	return b.String()
}
