// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package blocks

import (
	"regexp"
	"strings"
)

// SpanKind is the styling of an inline span.
type SpanKind int

const (
	SpanText SpanKind = iota
	SpanBold
	SpanCode
	SpanHeading
	SpanSub
	SpanSup
	SpanLink
	SpanBullet
)

// Span is a styled run inside a text block.
type Span struct {
	Kind SpanKind
	Text string

	// Level is the heading depth, 1 to 4.
	Level int
	// URL is the target of a link.
	URL string
}

// Bullet replaces "- " and "* " list markers.
const Bullet = "• "

var (
	headingRe = regexp.MustCompile(`^(#{1,4})\s+(.*)$`)
	inlineRe  = regexp.MustCompile("`([^`\\n]*?)`|\\*\\*(.*?)\\*\\*|\\[(.*?)\\]\\((.*?)\\)|_(\\((.*?)\\)|\\d+)|\\^(\\((.*?)\\)|\\d+)")
)

// Spans tokenizes the text of a text block. Lines are separated by text
// spans holding "\n".
func Spans(text string) []Span {
	var out []Span
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out = append(out, Span{Kind: SpanText, Text: "\n"})
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			out = append(out, Span{Kind: SpanHeading, Text: m[2], Level: len(m[1])})
			continue
		}
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			indent := line[:len(line)-len(trimmed)]
			out = append(out, Span{Kind: SpanBullet, Text: indent + Bullet})
			line = trimmed[2:]
		}
		out = append(out, inline(line)...)
	}
	return out
}

func inline(line string) []Span {
	var out []Span
	pos := 0
	for _, loc := range inlineRe.FindAllStringSubmatchIndex(line, -1) {
		if loc[0] > pos {
			out = append(out, Span{Kind: SpanText, Text: line[pos:loc[0]]})
		}
		group := func(n int) string {
			if loc[2*n] < 0 {
				return ""
			}
			return line[loc[2*n]:loc[2*n+1]]
		}
		switch {
		case loc[2] >= 0:
			out = append(out, Span{Kind: SpanCode, Text: group(1)})
		case loc[4] >= 0:
			out = append(out, Span{Kind: SpanBold, Text: group(2)})
		case loc[6] >= 0:
			out = append(out, Span{Kind: SpanLink, Text: group(3), URL: group(4)})
		case loc[10] >= 0:
			out = append(out, Span{Kind: SpanSub, Text: scriptText(group(5), group(6))})
		case loc[14] >= 0:
			out = append(out, Span{Kind: SpanSup, Text: scriptText(group(7), group(8))})
		}
		pos = loc[1]
	}
	if pos < len(line) {
		out = append(out, Span{Kind: SpanText, Text: line[pos:]})
	}
	return out
}

// scriptText unwraps "(x)" to "x"; digits are kept as is.
func scriptText(whole, inner string) string {
	if strings.HasPrefix(whole, "(") {
		return inner
	}
	return whole
}

// NormalizeBullets rewrites "- " and "* " list markers at line starts.
func NormalizeBullets(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			lines[i] = line[:len(line)-len(trimmed)] + Bullet + trimmed[2:]
		}
	}
	return strings.Join(lines, "\n")
}
