// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/alpaca-core/internal/util"
)

func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// AssistantStyle labels model replies in the chat REPL.
	AssistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)
)

// =============================================================================
// TABLES
// =============================================================================

// maxColumnWidth caps one column so long names do not push the rest off
// screen.
const maxColumnWidth = 48

// Table is a left-aligned text table measured in display cells.
type Table struct {
	Headers []string
	Rows    [][]string

	// Full lists the columns never shortened, such as ids that other
	// commands take as arguments.
	Full []int
}

// AddRow appends a row.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Render writes the table. Wide characters such as emoji count as two
// cells.
func (t *Table) Render(w io.Writer) {
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i >= len(widths) {
				continue
			}
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
			if !slices.Contains(t.Full, i) {
				widths[i] = min(widths[i], maxColumnWidth)
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if i == len(widths)-1 {
				parts[i] = util.TruncateWidth(cell, widths[i])
			} else {
				parts[i] = util.PadWidth(cell, widths[i])
			}
		}
		fmt.Fprintln(w, style.Render(strings.TrimRight(strings.Join(parts, "  "), " ")))
	}

	line(t.Headers, HeaderStyle)
	for _, row := range t.Rows {
		line(row, lipgloss.NewStyle())
	}
}
