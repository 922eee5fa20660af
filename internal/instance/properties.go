// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package instance

import (
	"encoding/json"
	"maps"
	"path/filepath"
	"strconv"
)

// Property keys as persisted in properties_json.
const (
	KeyName                 = "name"
	KeyURL                  = "url"
	KeyAPI                  = "api"
	KeyMaxTokens            = "max_tokens"
	KeyOverrideParameters   = "override_parameters"
	KeyTemperature          = "temperature"
	KeySeed                 = "seed"
	KeyNumCtx               = "num_ctx"
	KeyKeepAlive            = "keep_alive"
	KeyModelDirectory       = "model_directory"
	KeyDefaultModel         = "default_model"
	KeyTitleModel           = "title_model"
	KeyOverrides            = "overrides"
	KeyThink                = "think"
	KeyExpose               = "expose"
	KeyShareName            = "share_name"
	KeyShowResponseMetadata = "show_response_metadata"
	KeyAllowSelfSigned      = "allow_self_signed_ssl"
)

// legacyNumCtxKey is accepted on read.
const legacyNumCtxKey = "response_num_ctx"

// OverrideKeys are the environment variables a managed instance may set.
var OverrideKeys = []string{
	"HSA_OVERRIDE_GFX_VERSION",
	"CUDA_VISIBLE_DEVICES",
	"ROCR_VISIBLE_DEVICES",
	"HIP_VISIBLE_DEVICES",
	"OLLAMA_VULKAN",
}

// DefaultName is given to instances saved without a name.
const DefaultName = "Instance"

// Properties is the typed form of an instance's options. Which fields are
// meaningful depends on the type; see Keys.
type Properties struct {
	Name string
	URL  string
	API  string

	MaxTokens          int
	OverrideParameters bool
	Temperature        float64
	Seed               int

	// NumCtx is the context window requested from Ollama.
	NumCtx int
	// KeepAlive is seconds a model stays loaded; -1 keeps it forever.
	KeepAlive int

	ModelDirectory string
	DefaultModel   string
	TitleModel     string
	Overrides      map[string]string

	Think                bool
	Expose               bool
	ShareName            int
	ShowResponseMetadata bool
	AllowSelfSigned      bool
}

// Keys returns the property keys a type recognizes.
func Keys(info TypeInfo) []string {
	switch info.Type {
	case TypeManaged:
		return []string{KeyName, KeyURL, KeyOverrideParameters, KeyTemperature, KeySeed,
			KeyNumCtx, KeyKeepAlive, KeyModelDirectory, KeyDefaultModel, KeyTitleModel,
			KeyOverrides, KeyThink, KeyExpose, KeyShareName, KeyShowResponseMetadata}
	case TypeOllama:
		return []string{KeyName, KeyURL, KeyAPI, KeyOverrideParameters, KeyTemperature, KeySeed,
			KeyNumCtx, KeyKeepAlive, KeyDefaultModel, KeyTitleModel, KeyThink,
			KeyShareName, KeyShowResponseMetadata, KeyAllowSelfSigned}
	case TypeOllamaCloud:
		return []string{KeyName, KeyURL, KeyAPI, KeyOverrideParameters, KeyTemperature, KeySeed,
			KeyNumCtx, KeyDefaultModel, KeyTitleModel, KeyThink, KeyShareName,
			KeyShowResponseMetadata}
	}
	keys := []string{KeyName, KeyURL, KeyAPI, KeyMaxTokens, KeyOverrideParameters,
		KeyTemperature, KeyDefaultModel, KeyTitleModel}
	if !info.Limitations.Has(noSeed) {
		keys = append(keys, KeySeed)
	}
	return keys
}

// Defaults returns the starting properties of a new instance of info.
// dataDir roots the managed model directory.
func Defaults(info TypeInfo, dataDir string) Properties {
	p := Properties{
		Name:               DefaultName,
		URL:                info.DefaultURL,
		OverrideParameters: true,
		Temperature:        0.7,
	}
	if info.Family == FamilyOpenAI {
		p.MaxTokens = 2048
		return p
	}
	p.NumCtx = 16384
	p.KeepAlive = 300
	if info.Managed() {
		p.ModelDirectory = filepath.Join(dataDir, ".ollama", "models")
		p.Overrides = make(map[string]string, len(OverrideKeys))
		for _, k := range OverrideKeys {
			p.Overrides[k] = ""
		}
	}
	return p
}

// FromMap overlays the recognized keys of m on the type's defaults.
// Unrecognized keys are ignored. Hosted types always use the catalog URL.
func FromMap(info TypeInfo, dataDir string, m map[string]any) Properties {
	p := Defaults(info, dataDir)
	known := make(map[string]bool)
	for _, k := range Keys(info) {
		known[k] = true
	}
	if _, ok := m[KeyNumCtx]; !ok {
		if v, ok := m[legacyNumCtxKey]; ok {
			m = maps.Clone(m)
			m[KeyNumCtx] = v
		}
	}

	for k, v := range m {
		if !known[k] || v == nil {
			continue
		}
		switch k {
		case KeyName:
			p.Name = asString(v, p.Name)
		case KeyURL:
			if info.EditableURL {
				p.URL = asString(v, p.URL)
			}
		case KeyAPI:
			p.API = asString(v, "")
		case KeyMaxTokens:
			p.MaxTokens = asInt(v, p.MaxTokens)
		case KeyOverrideParameters:
			p.OverrideParameters = asBool(v, p.OverrideParameters)
		case KeyTemperature:
			p.Temperature = asFloat(v, p.Temperature)
		case KeySeed:
			p.Seed = asInt(v, p.Seed)
		case KeyNumCtx:
			p.NumCtx = asInt(v, p.NumCtx)
		case KeyKeepAlive:
			p.KeepAlive = asInt(v, p.KeepAlive)
		case KeyModelDirectory:
			p.ModelDirectory = asString(v, p.ModelDirectory)
		case KeyDefaultModel:
			p.DefaultModel = asString(v, "")
		case KeyTitleModel:
			p.TitleModel = asString(v, "")
		case KeyOverrides:
			if om, ok := v.(map[string]any); ok {
				for _, key := range OverrideKeys {
					if s := asString(om[key], ""); s != "" {
						p.Overrides[key] = s
					}
				}
			} else if om, ok := v.(map[string]string); ok {
				for _, key := range OverrideKeys {
					if s := om[key]; s != "" {
						p.Overrides[key] = s
					}
				}
			}
		case KeyThink:
			p.Think = asBool(v, false)
		case KeyExpose:
			p.Expose = asBool(v, false)
		case KeyShareName:
			p.ShareName = asInt(v, 0)
		case KeyShowResponseMetadata:
			p.ShowResponseMetadata = asBool(v, false)
		case KeyAllowSelfSigned:
			p.AllowSelfSigned = asBool(v, false)
		}
	}
	return p
}

// ToMap renders p as persisted properties, limited to the type's keys.
// Empty model names are stored as null.
func (p Properties) ToMap(info TypeInfo) map[string]any {
	all := map[string]any{
		KeyName:                 p.Name,
		KeyURL:                  p.URL,
		KeyAPI:                  p.API,
		KeyMaxTokens:            p.MaxTokens,
		KeyOverrideParameters:   p.OverrideParameters,
		KeyTemperature:          p.Temperature,
		KeySeed:                 p.Seed,
		KeyNumCtx:               p.NumCtx,
		KeyKeepAlive:            p.KeepAlive,
		KeyModelDirectory:       p.ModelDirectory,
		KeyDefaultModel:         nullString(p.DefaultModel),
		KeyTitleModel:           nullString(p.TitleModel),
		KeyThink:                p.Think,
		KeyExpose:               p.Expose,
		KeyShareName:            p.ShareName,
		KeyShowResponseMetadata: p.ShowResponseMetadata,
		KeyAllowSelfSigned:      p.AllowSelfSigned,
	}
	overrides := make(map[string]any, len(OverrideKeys))
	for _, k := range OverrideKeys {
		overrides[k] = p.Overrides[k]
	}
	all[KeyOverrides] = overrides

	out := make(map[string]any)
	for _, k := range Keys(info) {
		out[k] = all[k]
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asString(v any, fallback string) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return fallback
}

func asInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	case bool:
		if t {
			return 1
		}
		return 0
	}
	return fallback
}

func asFloat(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return fallback
}

func asBool(v any, fallback bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return fallback
}
