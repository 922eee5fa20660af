// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "info", false},
		{"DEBUG", "debug", false},
		{"warning", "warn", false},
		{"error", "error", false},
		{"loud", "info", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			lvl, err := ParseLevel(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, lvl.String())
		})
	}
}

func TestNewWithFileAndSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "alpaca.log")
	l, err := New(Options{Level: "info", Format: "json", File: path})
	require.NoError(t, err)
	defer l.Sync()

	assert.Equal(t, "info", l.Level())
	require.NoError(t, l.SetLevel("debug"))
	assert.Equal(t, "debug", l.Level())
	assert.Error(t, l.SetLevel("nope"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "none", Redact(""))
	r := Redact("sk-secret")
	assert.True(t, strings.HasPrefix(r, "sha256:"))
	assert.NotContains(t, r, "secret")
	assert.Equal(t, r, Redact("sk-secret"))
}
