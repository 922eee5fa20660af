// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package instance holds the catalog of provider types, the typed
// properties of a configured instance, and the registry that owns the
// selected instance and its managed Ollama process.
package instance

import (
	"github.com/jeranaias/alpaca-core/internal/cloud"
	"github.com/jeranaias/alpaca-core/internal/provider"
)

// Family groups types that share a wire protocol.
type Family int

const (
	FamilyOllama Family = iota
	FamilyOpenAI
)

func (f Family) String() string {
	if f == FamilyOllama {
		return "ollama"
	}
	return "openai"
}

// Type tags persisted in the instance table.
const (
	TypeManaged     = "ollama:managed"
	TypeOllama      = "ollama"
	TypeOllamaCloud = "ollama:cloud"
	TypeGeneric     = "openai:generic"
)

// TypeInfo describes one provider type.
type TypeInfo struct {
	Type        string
	DisplayName string
	Description string
	Family      Family

	// DefaultURL is fixed for hosted providers and a starting value for
	// types whose URL the user edits.
	DefaultURL string

	// EditableURL marks types whose URL is user input.
	EditableURL bool

	Limitations provider.Limitations
	Listing     cloud.Listing

	// OnlineList marks types whose added models are the user-curated list
	// kept in the store rather than a server catalog.
	OnlineList bool
}

// Managed reports whether the type supervises a local process.
func (t TypeInfo) Managed() bool { return t.Type == TypeManaged }

var (
	noSystem = provider.NoSystemMessages
	noSeed   = provider.NoSeed
	textOnly = provider.TextOnly
)

func openai(typ, display, url string, listing cloud.Listing, lims ...provider.Limitation) TypeInfo {
	return TypeInfo{
		Type:        typ,
		DisplayName: display,
		Family:      FamilyOpenAI,
		DefaultURL:  url,
		Limitations: lims,
		Listing:     listing,
		OnlineList:  true,
	}
}

// catalog is ordered the way types are offered to the user.
var catalog = []TypeInfo{
	{
		Type:        TypeManaged,
		DisplayName: "Ollama (Managed)",
		Description: "Local AI instance managed directly by Alpaca",
		Family:      FamilyOllama,
		DefaultURL:  "http://0.0.0.0:11434",
		EditableURL: true,
	},
	{
		Type:        TypeOllama,
		DisplayName: "Ollama (External)",
		Description: "Local or remote AI instance not managed by Alpaca",
		Family:      FamilyOllama,
		DefaultURL:  "http://0.0.0.0:11434",
		EditableURL: true,
	},
	{
		Type:        TypeOllamaCloud,
		DisplayName: "Ollama (Cloud)",
		Description: "Online instance directly managed by Ollama",
		Family:      FamilyOllama,
		DefaultURL:  "https://ollama.com",
		OnlineList:  true,
	},
	openai("chatgpt", "OpenAI ChatGPT", "https://api.openai.com/v1/", cloud.ListingGeneric),
	openai("gemini", "Google Gemini", "https://generativelanguage.googleapis.com/v1beta/openai/", cloud.ListingGemini, noSystem, noSeed),
	openai("together", "Together AI", "https://api.together.xyz/v1/", cloud.ListingTogether),
	openai("venice", "Venice", "https://api.venice.ai/api/v1/", cloud.ListingGeneric, noSystem, noSeed),
	openai("deepseek", "Deepseek", "https://api.deepseek.com/v1/", cloud.ListingGeneric, textOnly, noSeed),
	openai("groq", "Groq Cloud", "https://api.groq.com/openai/v1", cloud.ListingGeneric, textOnly),
	openai("anthropic", "Anthropic", "https://api.anthropic.com/v1/", cloud.ListingGeneric, noSystem),
	openai("openrouter", "OpenRouter AI", "https://openrouter.ai/api/v1/", cloud.ListingAll),
	openai("qwen", "Qwen (DashScope)", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1", cloud.ListingGeneric),
	openai("fireworks", "Fireworks AI", "https://api.fireworks.ai/inference/v1/", cloud.ListingFireworks),
	openai("lambda_labs", "Lambda Labs", "https://api.lambdalabs.com/v1/", cloud.ListingAll),
	openai("cerebras", "Cerebras AI", "https://api.cerebras.ai/v1/", cloud.ListingGeneric),
	openai("klusterai", "Kluster AI", "https://api.kluster.ai/v1/", cloud.ListingGeneric),
	openai("kimi", "Moonshot Kimi", "https://api.moonshot.ai/v1/", cloud.ListingGeneric, noSeed),
	openai("mistral", "Mistral AI", "https://api.mistral.ai/v1/", cloud.ListingGeneric, textOnly),
	openai("llama-api", "Llama API", "https://api.llama.com/compat/v1/", cloud.ListingGeneric),
	openai("novitaai", "Novita AI", "https://api.novita.ai/v3/openai/", cloud.ListingGeneric, noSeed),
	openai("deepinfra", "DeepInfra", "https://api.deepinfra.com/v1/openai", cloud.ListingGeneric),
	openai("compactifai", "CompactifAI", "https://your-compactifai-api-endpoint/v1", cloud.ListingAll),
	{
		Type:        TypeGeneric,
		DisplayName: "OpenAI Compatible Instance",
		Family:      FamilyOpenAI,
		DefaultURL:  "http://0.0.0.0:8080/v1/",
		EditableURL: true,
		Listing:     cloud.ListingGeneric,
		OnlineList:  true,
	},
}

var catalogIndex = func() map[string]int {
	m := make(map[string]int, len(catalog))
	for i, t := range catalog {
		m[t.Type] = i
	}
	return m
}()

// Lookup returns the catalog entry of typ.
func Lookup(typ string) (TypeInfo, bool) {
	i, ok := catalogIndex[typ]
	if !ok {
		return TypeInfo{}, false
	}
	return catalog[i], true
}

// Types returns every known type in presentation order.
func Types() []TypeInfo {
	out := make([]TypeInfo, len(catalog))
	copy(out, catalog)
	return out
}

// ollamaOnly reports whether typ is kept when the ollama-only flag is set.
func ollamaOnly(typ string) bool {
	return typ == TypeManaged || typ == TypeOllama
}
