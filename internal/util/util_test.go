// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "deep", "chat.md")

	if err := AtomicWriteFile(path, []byte("# chat"), 0o644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "# chat" {
		t.Errorf("content = %q, want %q", content, "# chat")
	}
}

func TestAtomicWriteFile_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := AtomicWriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}

	content, _ := os.ReadFile(path)
	if string(content) != "second" {
		t.Errorf("content = %q, want second", content)
	}
}

func TestAtomicWrite_FailureLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.txt")
	if err := AtomicWriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := AtomicWrite(path, 0o644, func(w io.Writer) error {
		w.Write([]byte("half"))
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error from failing producer")
	}

	content, _ := os.ReadFile(path)
	if string(content) != "original" {
		t.Errorf("content = %q, want original", content)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestNumberedName(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		taken []string
		want  string
	}{
		{"free", "Report", []string{"Other"}, "Report"},
		{"first collision", "Report", []string{"Report"}, "Report 2"},
		{"second collision", "Report", []string{"Report", "Report 2"}, "Report 3"},
		{"gap is reused", "Report", []string{"Report", "Report 3"}, "Report 2"},
		{"extension", "notes.md", []string{"notes.md"}, "notes 2.md"},
		{"extension twice", "notes.md", []string{"notes.md", "notes 2.md"}, "notes 3.md"},
		{"leading dot is not an extension", ".env", []string{".env"}, ".env 2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NumberedName(tc.in, tc.taken); got != tc.want {
				t.Errorf("NumberedName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 30, "short"},
		{"abcdef", 3, "abc..."},
		{"ab cdef", 3, "ab..."},
		{"日本語テキスト", 3, "日本語..."},
		{"anything", 0, ""},
	}
	for _, tc := range tests {
		if got := TruncateRunes(tc.in, tc.max, "..."); got != tc.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestPadWidth(t *testing.T) {
	if got := PadWidth("ab", 4); got != "ab  " {
		t.Errorf("PadWidth = %q", got)
	}
	if got := TruncateWidth("日本語", 4); got != "日…" {
		t.Errorf("TruncateWidth = %q", got)
	}
}
