// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package blocks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(bs []Block) []Kind {
	out := make([]Kind, len(bs))
	for i, b := range bs {
		out[i] = b.Kind
	}
	return out
}

func TestParseCodeAlias(t *testing.T) {
	got := Parse("```py\nprint(1)\n```")
	require.Len(t, got, 1)
	assert.Equal(t, KindCode, got[0].Kind)
	assert.Equal(t, "python3", got[0].Language)
	assert.Equal(t, "print(1)", got[0].Content)
}

func TestParseThinking(t *testing.T) {
	got := Parse("<think>reasoning…</think>final answer")
	assert.Equal(t, []Kind{KindThinking, KindText}, kinds(got))
	assert.Equal(t, []string{"reasoning…"}, Thoughts(got))

	body := WithoutThoughts(got)
	require.Len(t, body, 1)
	assert.Equal(t, "final answer", body[0].Content)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Block
	}{
		{
			name:  "plain text",
			input: "  just words\n",
			want:  []Block{{Kind: KindText, Content: "just words"}},
		},
		{
			name:  "thought delimiters",
			input: "<|begin_of_thought|>\n\nhmm\n\n<|end_of_thought|>\n\nok",
			want: []Block{
				{Kind: KindThinking, Content: "hmm"},
				{Kind: KindText, Content: "ok"},
			},
		},
		{
			name:  "text around code",
			input: "Run this:\n```bash\necho hi\n```\nDone.",
			want: []Block{
				{Kind: KindText, Content: "Run this:"},
				{Kind: KindCode, Content: "echo hi", Language: "sh"},
				{Kind: KindText, Content: "Done."},
			},
		},
		{
			name:  "single backtick fence",
			input: "`cmd\ndir\n`",
			want:  []Block{{Kind: KindCode, Content: "dir", Language: "powershell"}},
		},
		{
			name:  "latex fence",
			input: "```latex\n\\int x dx\n```",
			want:  []Block{{Kind: KindLatex, Content: "\\int x dx"}},
		},
		{
			name:  "display latex",
			input: "Area: \\[\\pi r^2\\]",
			want: []Block{
				{Kind: KindText, Content: "Area:"},
				{Kind: KindLatex, Content: "\\pi r^2"},
			},
		},
		{
			name:  "dollar latex",
			input: "$$\\alpha + \\beta$$",
			want:  []Block{{Kind: KindLatex, Content: "\\alpha + \\beta"}},
		},
		{
			name:  "dollars without backslash stay text",
			input: "It costs $5 and $10 today",
			want:  []Block{{Kind: KindText, Content: "It costs $5 and $10 today"}},
		},
		{
			name:  "separator",
			input: "above\n\n---\n\nbelow",
			want: []Block{
				{Kind: KindText, Content: "above"},
				{Kind: KindSeparator},
				{Kind: KindText, Content: "below"},
			},
		},
		{
			name:  "solution delimiters",
			input: "<|begin_of_solution|>42<|end_of_solution|>",
			want:  []Block{{Kind: KindText, Content: "42"}},
		},
		{
			name:  "unterminated fence is text",
			input: "```go\nfunc main() {",
			want:  []Block{{Kind: KindText, Content: "```go\nfunc main() {"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestParseTable(t *testing.T) {
	input := "Results:\n| Name | **Score** | Note |\n|:--|--:|:-:|\n| a | 1 | x |\n| b | 2 |\nafter"
	got := Parse(input)
	require.Equal(t, []Kind{KindText, KindTable, KindText}, kinds(got))

	tbl := got[1].Table
	require.NotNil(t, tbl)
	assert.Equal(t, []string{"Name", "Score", "Note"}, tbl.Headers)
	assert.Equal(t, []Align{AlignLeft, AlignRight, AlignCenter}, tbl.Align)
	assert.Equal(t, [][]string{{"a", "1", "x"}, {"b", "2", ""}}, tbl.Rows)
	assert.Equal(t, "| Name | Score | Note |\n| --- | ---: | :---: |\n| a | 1 | x |\n| b | 2 |  |", tbl.Markdown())
}

func TestResolveLanguage(t *testing.T) {
	tests := map[string]string{
		"python":     "python3",
		"py3":        "python3",
		"Bash":       "sh",
		"batch":      "powershell",
		"C#":         "csharp",
		"vb.net":     "vbnet",
		"JavaScript": "js",
		"rust":       "rust",
		"":           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ResolveLanguage(in), in)
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Python", DisplayName("python3"))
	assert.Equal(t, "Bash", DisplayName("sh"))
	assert.Equal(t, "Notalanguage", DisplayName("notalanguage"))
	assert.Equal(t, "Code", DisplayName(""))
}

func TestLabelFences(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"no code", "plain\ntext", "plain\ntext"},
		{"alias", "Run:\n```py\nprint(1)\n```\ndone", "Run:\n**Python**\n```py\nprint(1)\n```\ndone"},
		{"untagged", "```\nx\n```", "**Code**\n```\nx\n```"},
		{
			"two blocks",
			"```sh\nls\n```\n\n```go\nx := 1\n```",
			"**Bash**\n```sh\nls\n```\n\n**Go**\n```go\nx := 1\n```",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LabelFences(tt.in))
		})
	}
}

func TestSpans(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Span
	}{
		{
			name:  "heading",
			input: "### Setup",
			want:  []Span{{Kind: SpanHeading, Text: "Setup", Level: 3}},
		},
		{
			name:  "bullet with bold",
			input: "- item **bold**",
			want: []Span{
				{Kind: SpanBullet, Text: Bullet},
				{Kind: SpanText, Text: "item "},
				{Kind: SpanBold, Text: "bold"},
			},
		},
		{
			name:  "code and link",
			input: "see `x` at [docs](https://example.com)",
			want: []Span{
				{Kind: SpanText, Text: "see "},
				{Kind: SpanCode, Text: "x"},
				{Kind: SpanText, Text: " at "},
				{Kind: SpanLink, Text: "docs", URL: "https://example.com"},
			},
		},
		{
			name:  "sub and sup",
			input: "H_2O x^(n+1)",
			want: []Span{
				{Kind: SpanText, Text: "H"},
				{Kind: SpanSub, Text: "2"},
				{Kind: SpanText, Text: "O x"},
				{Kind: SpanSup, Text: "n+1"},
			},
		},
		{
			name:  "lines",
			input: "a\n* b",
			want: []Span{
				{Kind: SpanText, Text: "a"},
				{Kind: SpanText, Text: "\n"},
				{Kind: SpanBullet, Text: Bullet},
				{Kind: SpanText, Text: "b"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Spans(tt.input))
		})
	}

	assert.Equal(t, "• one\n  • two", NormalizeBullets("- one\n  * two"))
}

func TestStreamSealsCompleteBlocks(t *testing.T) {
	s := NewStream()

	assert.Nil(t, s.Write("Hello"))
	sealed := s.Write(" world\n\n")
	assert.Equal(t, []Block{{Kind: KindText, Content: "Hello world"}}, sealed)

	// An open fence keeps everything after it generating.
	assert.Nil(t, s.Write("```py\nprint(1)\n"))
	assert.Equal(t, "```py\nprint(1)\n", s.Generating())

	sealed = s.Write("```\n")
	assert.Equal(t, []Block{{Kind: KindCode, Content: "print(1)", Language: "python3"}}, sealed)

	assert.Nil(t, s.Write("more"))
	assert.Equal(t, "\nmore", s.Generating())
	assert.Len(t, s.Sealed(), 2)

	final := s.Finish()
	assert.Equal(t, []Kind{KindText, KindCode, KindText}, kinds(final))
	assert.Equal(t, "more", final[2].Content)
}

func TestStreamWaitsForTableEnd(t *testing.T) {
	s := NewStream()
	assert.Nil(t, s.Write("| a | b |\n|---|---|\n| 1 | 2 |\n"))

	sealed := s.Write("after\n")
	require.Len(t, sealed, 1)
	assert.Equal(t, KindTable, sealed[0].Kind)
	assert.Len(t, sealed[0].Table.Rows, 1)
}

func TestStreamThinking(t *testing.T) {
	s := NewStream()
	assert.Nil(t, s.Write("<think>\nweighing"))
	sealed := s.Write(" options\n</think>\n")
	assert.Equal(t, []Block{{Kind: KindThinking, Content: "weighing options"}}, sealed)
}

func TestStreamHoldsOpenDelimiters(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   []Block
	}{
		{
			name:   "separator inside open fence",
			writes: []string{"```yaml\n", "---\n", "a: 1\n"},
		},
		{
			name:   "fence inside open thought",
			writes: []string{"<think>\n", "step one\n", "```py\nx=1\n```\n"},
		},
		{
			name:   "thought closes around fence",
			writes: []string{"<think>\n", "step one\n", "```py\nx=1\n```\n", "</think>\n", "answer\n\n"},
			want: []Block{
				{Kind: KindThinking, Content: "step one\n```py\nx=1\n```"},
				{Kind: KindText, Content: "answer"},
			},
		},
		{
			name:   "dollar text around open fence",
			writes: []string{"It costs $5\n", "```sh\n", "echo $HOME\n\n"},
		},
		{
			name:   "text before open fence",
			writes: []string{"Intro\n\n", "```go\n", "x := 1\n\n"},
			want:   []Block{{Kind: KindText, Content: "Intro"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream()
			for _, w := range tt.writes {
				s.Write(w)
			}
			if tt.want == nil {
				assert.Empty(t, s.Sealed())
				return
			}
			assert.Equal(t, tt.want, s.Sealed())
		})
	}
}

func TestPlainRoundTrip(t *testing.T) {
	input := "Intro\n\n```go\nfmt.Println(1)\n```\n\n---\n\n\\[\\sqrt{2}\\]"
	got := Parse(Plain(Parse(input)))
	assert.Equal(t, Parse(input), got)
}

func TestSplitThoughts(t *testing.T) {
	answer, thoughts := SplitThoughts("<think>\nweigh options\n</think>\n\nThe answer is 4.")
	assert.Equal(t, "The answer is 4.", answer)
	assert.Equal(t, []string{"weigh options"}, thoughts)

	answer, thoughts = SplitThoughts("  plain reply\n")
	assert.Equal(t, "  plain reply\n", answer)
	assert.Nil(t, thoughts)
}
