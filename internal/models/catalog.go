// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	_ "embed"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed catalog.json
var catalogJSON []byte

// Tag is one downloadable variant of a catalog model.
type Tag struct {
	Tag  string `json:"tag"`
	Size string `json:"size"`
}

// Entry is a model of the bundled Ollama catalog.
type Entry struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Author      string   `json:"author"`
	Tags        []Tag    `json:"tags"`
	Categories  []string `json:"categories"`
	Languages   []string `json:"languages"`
	Description string   `json:"description"`
}

// sizeCategories describe parameter counts rather than what a model does.
var sizeCategories = []string{"small", "medium", "big", "huge"}

// SearchCategories returns the categories of e that are useful as search
// filters.
func (e Entry) SearchCategories() []string {
	var out []string
	for _, c := range e.Categories {
		if !slices.Contains(sizeCategories, c) {
			out = append(out, c)
		}
	}
	return out
}

var loadCatalog = sync.OnceValues(func() ([]Entry, error) {
	var entries []Entry
	err := json.Unmarshal(catalogJSON, &entries)
	return entries, err
})

// Catalog returns the bundled catalog in its curated order.
func Catalog() []Entry {
	entries, err := loadCatalog()
	if err != nil {
		return nil
	}
	return slices.Clone(entries)
}

// Lookup finds the catalog entry of a model name; the tag is ignored.
func Lookup(name string) (Entry, bool) {
	base, _ := SplitName(name)
	entries, _ := loadCatalog()
	for _, e := range entries {
		if e.Name == base {
			return e, true
		}
	}
	return Entry{}, false
}

// Search filters the catalog. query matches the name, author or
// description case-insensitively; an empty category matches all.
func Search(query, category string) []Entry {
	query = strings.ToLower(strings.TrimSpace(query))
	entries, _ := loadCatalog()
	var out []Entry
	for _, e := range entries {
		if category != "" && !slices.Contains(e.Categories, category) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(e.Name), query) &&
			!strings.Contains(strings.ToLower(e.Author), query) &&
			!strings.Contains(strings.ToLower(e.Description), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SplitName splits "name:tag". The tag is empty when absent.
func SplitName(name string) (base, tag string) {
	base, tag, _ = strings.Cut(name, ":")
	return base, tag
}

// PrettyName turns a model id into a display name, e.g. "llama3.2:1b"
// into "Llama3.2 (1b)".
func PrettyName(name string) string {
	base, tag := SplitName(name)
	// Drop a registry namespace such as "hf.co/user/".
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	base = cases.Title(language.Und, cases.NoLower).String(base)
	if tag == "" {
		return base
	}
	return base + " (" + tag + ")"
}
