// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

// Listing selects how a provider's model catalog is read.
type Listing int

const (
	// ListingGeneric reads {"data":[{"id":...}]} and drops non-chat models.
	ListingGeneric Listing = iota
	// ListingGemini reads Google's native models endpoint.
	ListingGemini
	// ListingTogether reads a top-level array and keeps type "chat".
	ListingTogether
	// ListingFireworks keeps entries whose capabilities include "chat".
	ListingFireworks
	// ListingAll keeps every entry with an id, named by "name".
	ListingAll
)

// GeminiModelsURL is the native Gemini catalog endpoint.
const GeminiModelsURL = "https://generativelanguage.googleapis.com/v1beta/models"

// nonChatMarkers identify embedding, image and audio models in generic
// listings.
var nonChatMarkers = []string{"embedding", "davinci", "dall", "tts", "whisper", "image"}

func (c *Client) listURL() string {
	if c.opts.ListURL != "" {
		return c.opts.ListURL
	}
	if c.opts.Listing == ListingGemini {
		return GeminiModelsURL
	}
	return c.baseURL + "models"
}

// ListModels returns the provider's chat models sorted by name.
func (c *Client) ListModels(ctx context.Context) ([]provider.ModelSummary, error) {
	url := c.listURL()
	if c.opts.Listing == ListingGemini {
		url += "?key=" + c.opts.APIKey
	}
	req, err := c.newJSONRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.opts.Listing == ListingGemini {
		req.Header.Del("Authorization")
	}
	data, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	var models []provider.ModelSummary
	switch c.opts.Listing {
	case ListingGemini:
		models, err = parseGemini(data)
	case ListingTogether:
		models, err = parseTogether(data)
	default:
		models, err = parseData(data, c.opts.Listing)
	}
	if err != nil {
		return nil, provider.Wrap(provider.KindProtocol, "decode model list", err)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

type dataEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	// Fireworks reports capabilities as booleans under these keys.
	SupportsChat *bool `json:"supports_chat"`
}

func parseData(data []byte, style Listing) ([]provider.ModelSummary, error) {
	var envelope struct {
		Data []dataEntry `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	out := make([]provider.ModelSummary, 0, len(envelope.Data))
	for _, e := range envelope.Data {
		if e.ID == "" {
			continue
		}
		switch style {
		case ListingGeneric:
			if isNonChat(e.ID) {
				continue
			}
		case ListingFireworks:
			chat := slices.Contains(e.Capabilities, "chat") || (e.SupportsChat != nil && *e.SupportsChat)
			if !chat {
				continue
			}
		}
		out = append(out, provider.ModelSummary{Name: e.ID, DisplayName: e.Name})
	}
	return out, nil
}

func isNonChat(id string) bool {
	lower := strings.ToLower(id)
	for _, m := range nonChatMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func parseTogether(data []byte) ([]provider.ModelSummary, error) {
	var entries []struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	var out []provider.ModelSummary
	for _, e := range entries {
		if e.ID == "" || e.Type != "chat" {
			continue
		}
		out = append(out, provider.ModelSummary{Name: e.ID, DisplayName: e.DisplayName})
	}
	return out, nil
}

func parseGemini(data []byte) ([]provider.ModelSummary, error) {
	var envelope struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			Description                string   `json:"description"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	var out []provider.ModelSummary
	for _, m := range envelope.Models {
		if !slices.Contains(m.SupportedGenerationMethods, "generateContent") {
			continue
		}
		if strings.Contains(strings.ToLower(m.Description), "deprecated") {
			continue
		}
		out = append(out, provider.ModelSummary{
			Name:         strings.TrimPrefix(m.Name, "models/"),
			DisplayName:  m.DisplayName,
			Capabilities: []string{provider.CapCompletion, provider.CapVision},
		})
	}
	return out, nil
}
