// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ask

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/jeranaias/alpaca-core/internal/blocks"
)

// minWrap keeps replies readable in very narrow terminals.
const minWrap = 20

// ResolveStyle maps the configured style to a glamour standard style.
// "auto" follows the terminal background.
func ResolveStyle(style string) string {
	switch style {
	case "dark", "light", "notty":
		return style
	}
	if termenv.EnvColorProfile() == termenv.Ascii {
		return "notty"
	}
	if termenv.HasDarkBackground() {
		return "dark"
	}
	return "light"
}

// Renderer turns reply markdown into terminal output.
type Renderer struct {
	style    string
	markdown bool
	width    int
	tr       *glamour.TermRenderer
}

// NewRenderer creates a renderer. With markdown off text is only wrapped.
func NewRenderer(style string, markdown bool, width int) *Renderer {
	r := &Renderer{style: style, markdown: markdown}
	r.SetWidth(width)
	return r
}

// SetWidth rebuilds the renderer for a new terminal width.
func (r *Renderer) SetWidth(width int) {
	if width < minWrap {
		width = minWrap
	}
	if width == r.width && (r.tr != nil || !r.markdown) {
		return
	}
	r.width = width
	r.tr = nil
	if !r.markdown {
		return
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(r.style),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		r.tr = tr
	}
}

// Render returns text for display; it falls back to wrapped plain text
// when markdown rendering fails. Code blocks get a language header.
func (r *Renderer) Render(text string) string {
	if r.tr != nil {
		if out, err := r.tr.Render(blocks.LabelFences(text)); err == nil {
			return strings.Trim(out, "\n")
		}
	}
	return lipgloss.NewStyle().Width(r.width).Render(text)
}
