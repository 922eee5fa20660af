// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
)

// TruncateRunes cuts s to at most maxRunes runes. When it cuts, the
// result is trimmed of trailing space and suffix is appended.
func TruncateRunes(s string, maxRunes int, suffix string) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:maxRunes])) + suffix
}

// TruncateWidth cuts s to a terminal display width, counting wide (CJK,
// emoji) cells as two columns.
func TruncateWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}

// PadWidth right-pads s with spaces up to width display cells.
func PadWidth(s string, width int) string {
	return runewidth.FillRight(TruncateWidth(s, width), width)
}

// NumberedName returns name unchanged when it is not in taken. Otherwise
// it appends the smallest " N" (N >= 2) that is free. When name carries an
// extension the number goes before the last dot: "notes.md" -> "notes 2.md".
func NumberedName(name string, taken []string) string {
	used := make(map[string]struct{}, len(taken))
	for _, t := range taken {
		used[t] = struct{}{}
	}
	if _, ok := used[name]; !ok {
		return name
	}

	stem, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		stem, ext = name[:i], name[i:]
	}

	for n := 2; ; n++ {
		candidate := stem + " " + strconv.Itoa(n) + ext
		if _, ok := used[candidate]; !ok {
			return candidate
		}
	}
}
