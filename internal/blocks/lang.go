// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package blocks

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// languageAliases maps fence tags to the ids code blocks carry.
var languageAliases = map[string]string{
	"bash":       "sh",
	"cmd":        "powershell",
	"batch":      "powershell",
	"c#":         "csharp",
	"vb.net":     "vbnet",
	"python":     "python3",
	"py":         "python3",
	"py3":        "python3",
	"javascript": "js",
}

// ResolveLanguage maps a fence tag to its canonical id, lower case.
func ResolveLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if id, ok := languageAliases[tag]; ok {
		return id
	}
	return tag
}

// Lexer returns the chroma lexer of a language id, or nil.
func Lexer(lang string) chroma.Lexer {
	if lang == "" {
		return nil
	}
	return lexers.Get(lang)
}

// DisplayName is the human name of a language id, e.g. "Python" for
// "python3". Unknown ids are title cased.
func DisplayName(lang string) string {
	if lx := Lexer(lang); lx != nil {
		return lx.Config().Name
	}
	if lang == "" {
		return "Code"
	}
	return cases.Title(language.Und).String(lang)
}

// LabelFences puts a bold language header above every fenced code block
// of markdown: "**Python**" above "```py".
func LabelFences(markdown string) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))
	open := false
	for _, line := range lines {
		if tag, ok := strings.CutPrefix(strings.TrimSpace(line), "```"); ok {
			if !open {
				out = append(out, "**"+DisplayName(ResolveLanguage(tag))+"**")
			}
			open = !open
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
