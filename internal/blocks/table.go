// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package blocks

import (
	"strings"
)

// Align is the horizontal alignment of a table column.
type Align int

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

// Table is a parsed GitHub-flavored pipe table.
type Table struct {
	Headers []string
	Align   []Align
	Rows    [][]string
}

// ParseTable parses a pipe table. Rows are padded or cut to the header
// width.
func ParseTable(raw string) *Table {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	t := &Table{}
	if len(lines) < 2 {
		return t
	}
	for _, h := range splitRow(lines[0]) {
		t.Headers = append(t.Headers, strings.ReplaceAll(h, "*", ""))
	}
	for _, sep := range splitRow(lines[1]) {
		t.Align = append(t.Align, parseAlign(sep))
	}
	for len(t.Align) < len(t.Headers) {
		t.Align = append(t.Align, AlignLeft)
	}
	for _, line := range lines[2:] {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitRow(line)
		row := make([]string, len(t.Headers))
		copy(row, cells)
		t.Rows = append(t.Rows, row)
	}
	return t
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func parseAlign(sep string) Align {
	sep = strings.ReplaceAll(sep, " ", "")
	left := strings.HasPrefix(sep, ":")
	right := strings.HasSuffix(sep, ":")
	switch {
	case left && right:
		return AlignCenter
	case right:
		return AlignRight
	}
	return AlignLeft
}

// Markdown renders the table back to pipe syntax.
func (t *Table) Markdown() string {
	var sb strings.Builder
	sb.WriteString("| " + strings.Join(t.Headers, " | ") + " |\n|")
	for i := range t.Headers {
		a := AlignLeft
		if i < len(t.Align) {
			a = t.Align[i]
		}
		switch a {
		case AlignCenter:
			sb.WriteString(" :---: |")
		case AlignRight:
			sb.WriteString(" ---: |")
		default:
			sb.WriteString(" --- |")
		}
	}
	for _, row := range t.Rows {
		sb.WriteString("\n| " + strings.Join(row, " | ") + " |")
	}
	return sb.String()
}
