// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package blocks

import (
	"strings"
	"sync"
)

// openers start blocks whose end must be seen before text around them is
// sealed.
var openers = []string{"```", "`\n", "<think>", "<|begin_of_thought|>", `\[`, "$", "|"}

// delimiters open blocks that nothing after them may be sealed past until
// they close.
var delimiters = []string{"```", "<think>", "<|begin_of_thought|>", `\[`}

// firstDelimiter returns the position of the earliest delimiter in text at
// or after from, or -1.
func firstDelimiter(text string, from int) int {
	first := -1
	for _, d := range delimiters {
		if i := strings.Index(text[from:], d); i >= 0 && (first == -1 || from+i < first) {
			first = from + i
		}
	}
	return first
}

// Stream parses a reply while it is generated. Complete blocks are sealed
// as soon as their closing delimiter and a newline have arrived; the rest
// is the generating text, which a front-end shows as one mutable block.
// It is safe for concurrent use.
type Stream struct {
	mu     sync.Mutex
	buf    strings.Builder
	sealed []Block
	// offset is the end of the sealed prefix of buf.
	offset int
}

// NewStream returns an empty stream.
func NewStream() *Stream {
	return &Stream{}
}

// Write appends a delta and returns the blocks it sealed, in order.
func (s *Stream) Write(delta string) []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.WriteString(delta)
	if !strings.Contains(delta, "\n") {
		return nil
	}
	full := s.buf.String()
	last := strings.LastIndexByte(full, '\n')
	if last < s.offset {
		return nil
	}
	region := full[s.offset : last+1]

	var (
		out  []Block
		pos  int
		done int
	)
	stop := len(region)
	for pos < len(region) {
		m, ok := nextMatch(region, pos)
		// A delimiter before the next complete block is still open.
		d := firstDelimiter(region, pos)
		if d >= 0 && (!ok || d < m.start) {
			stop = d
			break
		}
		if !ok {
			break
		}
		if m.kind == KindTable && strings.TrimSpace(region[m.end:]) == "" {
			// More rows may follow.
			break
		}
		pos = m.end
		blk, ok := m.toBlock(region[m.start:m.end])
		if !ok {
			if d > m.start && d < m.end {
				// Plain text must not swallow a delimiter.
				stop = d
				break
			}
			continue
		}
		out = appendText(out, region[done:m.start])
		out = append(out, blk)
		done = m.end
	}

	// Text paragraphs seal at blank lines when nothing is left open.
	rest := region[done:max(stop, done)]
	if para := strings.LastIndex(rest, "\n\n"); para >= 0 && !hasOpener(rest[:para]) {
		out = appendText(out, rest[:para])
		done += para + 2
	}
	if done == 0 {
		return nil
	}

	s.offset += done
	s.sealed = append(s.sealed, out...)
	return out
}

func appendText(out []Block, text string) []Block {
	if t := strings.TrimSpace(text); t != "" {
		out = append(out, Block{Kind: KindText, Content: t})
	}
	return out
}

func hasOpener(text string) bool {
	for _, o := range openers {
		if strings.Contains(text, o) {
			return true
		}
	}
	return false
}

// Sealed returns the blocks sealed so far.
func (s *Stream) Sealed() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Block, len(s.sealed))
	copy(out, s.sealed)
	return out
}

// Generating returns the text not yet sealed.
func (s *Stream) Generating() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()[s.offset:]
}

// Text returns everything written.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Finish re-parses the whole reply into its definitive blocks.
func (s *Stream) Finish() []Block {
	return Parse(s.Text())
}
