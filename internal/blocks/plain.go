// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package blocks

import (
	"strings"
)

// Markdown renders one block back to markdown.
func (b Block) Markdown() string {
	switch b.Kind {
	case KindCode:
		return "```" + b.Language + "\n" + b.Content + "\n```"
	case KindLatex:
		return `\[` + b.Content + `\]`
	case KindTable:
		if b.Table != nil {
			return b.Table.Markdown()
		}
		return b.Content
	case KindSeparator:
		return "---"
	case KindThinking:
		return "<think>\n" + b.Content + "\n</think>"
	}
	return b.Content
}

// Plain renders blocks back to markdown, separated by blank lines.
func Plain(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, b.Markdown())
	}
	return strings.Join(parts, "\n\n")
}
