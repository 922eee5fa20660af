// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package blocks splits model output into typed blocks: text, code, LaTeX,
// tables, separators and thinking sections. Parse handles finished text;
// Stream seals blocks incrementally while a reply is generated.
package blocks

import (
	"regexp"
	"strings"
)

// Kind is the type of a block.
type Kind int

const (
	KindText Kind = iota
	KindCode
	KindLatex
	KindTable
	KindSeparator
	KindThinking
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindCode:
		return "code"
	case KindLatex:
		return "latex"
	case KindTable:
		return "table"
	case KindSeparator:
		return "separator"
	case KindThinking:
		return "thinking"
	}
	return "unknown"
}

// Block is one unit of rendered content.
type Block struct {
	Kind Kind

	// Content is the text, code body, LaTeX expression, thought, or the
	// raw markdown of a table.
	Content string

	// Language is the resolved id of a code block, possibly empty.
	Language string

	// Table is set for table blocks.
	Table *Table
}

// =============================================================================
// PATTERNS
// =============================================================================

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

var (
	thinkRe = regexp.MustCompile(`(?is)(?:<think>|<\|begin_of_thought\|>)\s*(.*?)\s*(?:</think>|<\|end_of_thought\|>)`)

	fenceRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+#.\\-]*)[ \\t]*\\n(.*?)\\n\\s*```")

	// backtickFenceRe is the single-backtick variant some models emit.
	backtickFenceRe = regexp.MustCompile("(?s)`(\\w*)\\n(.*?)\\n\\s*`")

	latexRe = regexp.MustCompile(`(?s)\\\[\n*(.*?)\n*\\\]|\$+\n*(.*?)\$+`)

	tableRe = regexp.MustCompile(`((?:\| *[^|\r\n]+ *)+\|)(?:\r?\n)((?:\|[ :]?-+[ :]?)+\|)((?:(?:\r?\n)(?:\| *[^|\r\n]+ *)+\|)+)`)

	separatorRe = regexp.MustCompile(`(?m)^[ \t]*-{3,}[ \t]*$`)
)

// patterns are tried at every position; the earliest match wins and ties
// go to the pattern listed first.
var patterns = []pattern{
	{KindThinking, thinkRe},
	{KindCode, fenceRe},
	{KindCode, backtickFenceRe},
	{KindLatex, latexRe},
	{KindTable, tableRe},
	{KindSeparator, separatorRe},
}

// Solution delimiters some reasoning models wrap their answer in.
const (
	beginSolution = "<|begin_of_solution|>"
	endSolution   = "<|end_of_solution|>"
)

// StripSolution removes solution delimiters.
func StripSolution(text string) string {
	text = strings.ReplaceAll(text, beginSolution, "")
	return strings.ReplaceAll(text, endSolution, "")
}

// =============================================================================
// PARSE
// =============================================================================

// match is one structured block found in the text.
type match struct {
	start, end int
	kind       Kind
	groups     []string
}

// nextMatch finds the earliest structured block in text at or after from.
func nextMatch(text string, from int) (match, bool) {
	best := match{start: -1}
	for _, p := range patterns {
		loc := p.re.FindStringSubmatchIndex(text[from:])
		if loc == nil {
			continue
		}
		start := from + loc[0]
		if best.start != -1 && start >= best.start {
			continue
		}
		groups := make([]string, 0, len(loc)/2)
		for i := 2; i < len(loc); i += 2 {
			if loc[i] < 0 {
				groups = append(groups, "")
				continue
			}
			groups = append(groups, text[from+loc[i]:from+loc[i+1]])
		}
		best = match{start: start, end: from + loc[1], kind: p.kind, groups: groups}
	}
	return best, best.start != -1
}

// toBlock converts a match to a block. ok is false for LaTeX without a
// backslash, which stays text.
func (m match) toBlock(raw string) (Block, bool) {
	switch m.kind {
	case KindThinking:
		return Block{Kind: KindThinking, Content: m.groups[0]}, true
	case KindCode:
		lang, body := m.groups[0], m.groups[1]
		if strings.EqualFold(lang, "latex") {
			return Block{Kind: KindLatex, Content: body}, true
		}
		return Block{Kind: KindCode, Content: body, Language: ResolveLanguage(lang)}, true
	case KindLatex:
		expr := m.groups[0]
		if expr == "" {
			expr = m.groups[1]
		}
		if !strings.Contains(expr, `\`) {
			return Block{}, false
		}
		return Block{Kind: KindLatex, Content: strings.TrimSpace(expr)}, true
	case KindTable:
		return Block{Kind: KindTable, Content: raw, Table: ParseTable(raw)}, true
	case KindSeparator:
		return Block{Kind: KindSeparator}, true
	}
	return Block{}, false
}

// builder accumulates blocks, merging adjacent text.
type builder struct {
	blocks []Block
	text   strings.Builder
}

func (b *builder) addText(s string) {
	b.text.WriteString(s)
}

func (b *builder) flushText() {
	if t := strings.TrimSpace(b.text.String()); t != "" {
		b.blocks = append(b.blocks, Block{Kind: KindText, Content: t})
	}
	b.text.Reset()
}

func (b *builder) add(blk Block) {
	b.flushText()
	b.blocks = append(b.blocks, blk)
}

// Parse splits finished text into blocks. Whitespace-only text between
// blocks is dropped and solution delimiters are removed.
func Parse(text string) []Block {
	text = StripSolution(text)
	var b builder
	pos := 0
	for pos < len(text) {
		m, ok := nextMatch(text, pos)
		if !ok {
			break
		}
		b.addText(text[pos:m.start])
		raw := text[m.start:m.end]
		if blk, ok := m.toBlock(raw); ok {
			b.add(blk)
		} else {
			b.addText(raw)
		}
		pos = m.end
		if m.end == m.start {
			// Zero-width matches cannot occur with these patterns, but
			// never loop forever on one.
			pos++
		}
	}
	if pos < len(text) {
		b.addText(text[pos:])
	}
	b.flushText()
	return b.blocks
}

// Thoughts returns the content of every thinking block.
func Thoughts(blocks []Block) []string {
	var out []string
	for _, b := range blocks {
		if b.Kind == KindThinking && strings.TrimSpace(b.Content) != "" {
			out = append(out, b.Content)
		}
	}
	return out
}

// WithoutThoughts drops thinking blocks.
func WithoutThoughts(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Kind != KindThinking {
			out = append(out, b)
		}
	}
	return out
}

// SplitThoughts removes thinking sections from text and returns them
// separately, the rest of the text untouched.
func SplitThoughts(text string) (answer string, thoughts []string) {
	for _, m := range thinkRe.FindAllStringSubmatch(text, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			thoughts = append(thoughts, t)
		}
	}
	if len(thoughts) == 0 && !thinkRe.MatchString(text) {
		return text, nil
	}
	return strings.TrimSpace(thinkRe.ReplaceAllString(text, "")), thoughts
}
