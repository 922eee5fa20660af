// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/store"
	"github.com/jeranaias/alpaca-core/internal/util"
)

// Format names an export format.
type Format string

const (
	FormatDB       Format = "db"
	FormatMarkdown Format = "md"
	FormatObsidian Format = "obsidian"
	FormatJSON     Format = "json"
	FormatJSONMeta Format = "json-meta"
)

// ErrUnknownFormat is returned for format names ParseFormat rejects.
var ErrUnknownFormat = errors.New("unsupported export format")

// Formats lists every format in menu order.
var Formats = []Format{FormatDB, FormatMarkdown, FormatObsidian, FormatJSON, FormatJSONMeta}

// ParseFormat accepts a format name, case-insensitively. "markdown" is an
// alias of md.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "markdown" {
		return FormatMarkdown, nil
	}
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter renders a transcript.
type Exporter interface {
	Export(tr *store.Transcript) ([]byte, error)

	// FileExtension returns the extension with its dot, e.g. ".md".
	FileExtension() string

	MimeType() string
}

// New returns the exporter of a text format. FormatDB has none; it is
// written by the store.
func New(f Format) (Exporter, error) {
	switch f {
	case FormatMarkdown:
		return &MarkdownExporter{}, nil
	case FormatObsidian:
		return &MarkdownExporter{Obsidian: true}, nil
	case FormatJSON:
		return &JSONExporter{}, nil
	case FormatJSONMeta:
		return &JSONExporter{IncludeMetadata: true}, nil
	}
	return nil, fmt.Errorf("no text exporter for format %q", f)
}

// Render renders a transcript in a text format.
func Render(tr *store.Transcript, f Format) ([]byte, error) {
	e, err := New(f)
	if err != nil {
		return nil, err
	}
	return e.Export(tr)
}

// Extension returns the file extension of a format.
func Extension(f Format) string {
	if f == FormatDB {
		return ".db"
	}
	e, err := New(f)
	if err != nil {
		return ""
	}
	return e.FileExtension()
}

// Source is the store surface ToFile needs.
type Source interface {
	LoadTranscript(ctx context.Context, chatID string) (*store.Transcript, error)
	ExportChat(ctx context.Context, chatID, path string) error
}

// ToFile exports a chat to path. Text formats are written atomically.
func ToFile(ctx context.Context, src Source, chatID string, f Format, path string) error {
	if f == FormatDB {
		return src.ExportChat(ctx, chatID, path)
	}
	tr, err := src.LoadTranscript(ctx, chatID)
	if err != nil {
		return err
	}
	data, err := Render(tr, f)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// FileName returns a default file name for a chat export: the chat name
// with characters that are invalid in file names replaced.
func FileName(chatName string, f Format) string {
	return sanitizeFilename(chatName) + Extension(f)
}

func sanitizeFilename(s string) string {
	s = util.TruncateRunes(strings.TrimSpace(s), 50, "")

	replacer := map[rune]rune{
		'/':  '-',
		'\\': '-',
		':':  '-',
		'*':  '-',
		'?':  '-',
		'"':  '-',
		'<':  '-',
		'>':  '-',
		'|':  '-',
		'\t': ' ',
		'\n': ' ',
		'\r': ' ',
	}

	result := make([]rune, 0, len(s))
	for _, r := range s {
		if replacement, found := replacer[r]; found {
			result = append(result, replacement)
		} else if r < 32 || r == 127 {
			result = append(result, '-')
		} else {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "chat"
	}
	return string(result)
}
