// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"encoding/json"
	"fmt"
	"os/user"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// contextless attachment kinds are shown to the user but never sent.
var contextless = []store.AttachmentKind{
	store.KindImage, store.KindThought, store.KindMetadata, store.KindAudio, store.KindLink,
}

// requestMessages converts stored turns to request messages. Turns with
// neither content nor attachments are skipped. Attachments travel as
// fenced blocks ahead of the text; images become image parts.
func requestMessages(history []store.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		if m.Content == "" && len(m.Attachments) == 0 {
			continue
		}
		msg := provider.Message{Role: string(m.Role)}
		var text strings.Builder
		for _, a := range m.Attachments {
			if a.Kind == store.KindImage {
				msg.Images = append(msg.Images, a.Content)
				continue
			}
			if slices.Contains(contextless, a.Kind) {
				continue
			}
			fmt.Fprintf(&text, "```%s (%s)\n%s\n```\n\n", a.Name, a.Kind, a.Content)
		}
		text.WriteString(m.Content)
		msg.Text = text.String()
		out = append(out, msg)
	}
	return out
}

// =============================================================================
// PREAMBLE
// =============================================================================

// Share name modes of the share_name property.
const (
	ShareNameOff = iota
	ShareNameLogin
	ShareNameFull
)

// systemUserName resolves the name shared with the model.
func systemUserName(mode int) string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	var name string
	switch mode {
	case ShareNameLogin:
		name = u.Username
	case ShareNameFull:
		// Name holds the first GECOS field on Unix.
		name, _, _ = strings.Cut(u.Name, ",")
	}
	return titleCase(name)
}

func titleCase(s string) string {
	return cases.Title(language.Und).String(strings.TrimSpace(s))
}

// withPreamble prepends the user's name and the model's own system
// prompt, the latter first.
func withPreamble(msgs []provider.Message, userName, modelSystem string) []provider.Message {
	var pre []provider.Message
	if modelSystem != "" {
		pre = append(pre, provider.Message{Role: provider.RoleSystem, Text: modelSystem})
	}
	if userName != "" {
		pre = append(pre, provider.Message{Role: provider.RoleSystem, Text: "The user is called " + userName})
	}
	if len(pre) == 0 {
		return msgs
	}
	return append(pre, msgs...)
}

// =============================================================================
// LOREBOOK
// =============================================================================

// DefaultScanDepth is how many trailing messages a lorebook scans when
// the card does not say.
const DefaultScanDepth = 100

// appExtension is the character card extension that enables the lorebook.
const appExtension = "com.jeffser.Alpaca"

type characterCard struct {
	Data struct {
		Extensions map[string]struct {
			Enabled bool `json:"enabled"`
		} `json:"extensions"`
		CharacterBook *lorebook `json:"character_book"`
	} `json:"data"`
}

type lorebook struct {
	ScanDepth int `json:"scan_depth"`
	Entries   []struct {
		Keys    []string `json:"keys"`
		Content string   `json:"content"`
	} `json:"entries"`
}

// parseLorebook returns the enabled lorebook of a character card, or nil.
func parseLorebook(card json.RawMessage) *lorebook {
	if len(card) == 0 {
		return nil
	}
	var c characterCard
	if err := json.Unmarshal(card, &c); err != nil {
		return nil
	}
	if !c.Data.Extensions[appExtension].Enabled || c.Data.CharacterBook == nil {
		return nil
	}
	if len(c.Data.CharacterBook.Entries) == 0 {
		return nil
	}
	return c.Data.CharacterBook
}

// activeLore renders the entries whose keys appear in the scanned
// messages. Each entry contributes once, under its first matching key.
func (b *lorebook) activeLore(msgs []provider.Message) string {
	depth := b.ScanDepth
	if depth <= 0 {
		depth = DefaultScanDepth
	}
	scanned := msgs[max(len(msgs)-depth, 0):]
	var texts []string
	for _, m := range scanned {
		if m.Role != provider.RoleSystem {
			texts = append(texts, m.Text)
		}
	}
	haystack := strings.Join(texts, "\n")

	var active []string
	for _, e := range b.Entries {
		for _, key := range e.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(key) + `\b`)
			if err != nil || !re.MatchString(haystack) {
				continue
			}
			content := "# " + titleCase(key) + "\n\n" + e.Content
			if !slices.Contains(active, content) {
				active = append(active, content)
			}
			break
		}
	}
	return strings.Join(active, "\n\n---\n\n")
}

// withLore inserts the active lore after the leading system messages.
func withLore(msgs []provider.Message, book *lorebook) []provider.Message {
	if book == nil {
		return msgs
	}
	lore := book.activeLore(msgs)
	if lore == "" {
		return msgs
	}
	i := 0
	for i < len(msgs) && msgs[i].Role == provider.RoleSystem {
		i++
	}
	return slices.Insert(slices.Clone(msgs), i, provider.Message{Role: provider.RoleSystem, Text: lore})
}

// =============================================================================
// METADATA
// =============================================================================

// metadataMarkdown renders the scalar fields of the provider's final
// record, plus token usage, as a table. Durations in nanoseconds are
// shown as seconds.
func metadataMarkdown(c *provider.Completion) string {
	fields := map[string]string{}
	var raw map[string]any
	if len(c.Raw) > 0 && json.Unmarshal(c.Raw, &raw) == nil {
		for k, v := range raw {
			switch val := v.(type) {
			case float64:
				if strings.HasSuffix(k, "_duration") {
					fields[k] = time.Duration(val).Round(time.Millisecond).String()
				} else {
					fields[k] = fmt.Sprintf("%g", val)
				}
			case string:
				if k != "created_at" && val != "" {
					fields[k] = val
				}
			}
		}
	}
	if c.Usage != nil {
		fields["prompt_tokens"] = fmt.Sprint(c.Usage.PromptTokens)
		fields["completion_tokens"] = fmt.Sprint(c.Usage.CompletionTokens)
		fields["total_tokens"] = fmt.Sprint(c.Usage.TotalTokens)
	}
	if c.Model != "" {
		fields["model"] = c.Model
	}
	if c.FinishReason != "" {
		fields["finish_reason"] = c.FinishReason
	}
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("| Field | Value |\n| --- | --- |")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n| %s | %s |", titleCase(strings.ReplaceAll(k, "_", " ")), fields[k])
	}
	return b.String()
}
