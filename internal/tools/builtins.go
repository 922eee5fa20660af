// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

// Default service endpoints of the built-in tools.
const (
	DefaultMealDBURL     = "https://www.themealdb.com/api/json/v1/1"
	DefaultWikimediaURL  = "https://api.wikimedia.org/core/v1/wikipedia/en"
	DefaultDuckDuckGoURL = "https://api.duckduckgo.com/"
)

// BuiltinOptions configures the built-in tools. Zero values take defaults.
type BuiltinOptions struct {
	HTTPClient *http.Client
	UserAgent  string

	MealDBURL     string
	WikimediaURL  string
	DuckDuckGoURL string

	// Approver confirms run_command calls. run_command is not registered
	// without one.
	Approver Approver

	// Now is the clock of get_current_datetime.
	Now func() time.Time
}

// RegisterBuiltins registers every built-in tool.
func (r *Registry) RegisterBuiltins(opts BuiltinOptions) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "alpaca-core"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	web := &webClient{http: opts.HTTPClient, userAgent: opts.UserAgent}

	r.Register(datetimeTool(opts.Now))
	meals := &mealDB{web: web, base: orDefault(opts.MealDBURL, DefaultMealDBURL)}
	r.Register(meals.byNameTool())
	r.Register(meals.byCategoryTool())
	r.Register(wikipediaTool(web, orDefault(opts.WikimediaURL, DefaultWikimediaURL)))
	r.Register(searchTool(web, orDefault(opts.DuckDuckGoURL, DefaultDuckDuckGoURL)))
	if opts.Approver != nil {
		r.Register(commandTool(opts.Approver))
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// =============================================================================
// get_current_datetime
// =============================================================================

var datetimeLayouts = map[string]string{
	"date":          "Monday, January 02 2006",
	"time":          "15:04 PM",
	"date and time": "Monday, January 02 2006, 15:04 PM",
}

func datetimeTool(now func() time.Time) *Tool {
	return &Tool{
		Name:        "get_current_datetime",
		DisplayName: "Get Current Datetime",
		Description: "Gets the current date and/or time.",
		Schema: Schema{Parameters: []Parameter{{
			Name:        "type",
			Type:        "string",
			Required:    true,
			Description: "Whether to get date and/or time",
			Enum:        []string{"date", "time", "date and time"},
		}}},
		EnabledByDefault: true,
		Executor: ExecutorFunc(func(_ context.Context, call Call) (Result, error) {
			layout, found := datetimeLayouts[call.String("type")]
			if !found {
				layout = "Jan 02 2006, 15:04 PM"
			}
			return success(now().Format(layout)), nil
		}),
	}
}

// =============================================================================
// HTTP
// =============================================================================

type webClient struct {
	http      *http.Client
	userAgent string
}

func (w *webClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", w.userAgent)
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, provider.Wrap(provider.KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, provider.Wrap(provider.KindNetwork, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.Error{Kind: provider.KindProtocol, Message: "unexpected status", Status: resp.StatusCode}
	}
	return body, nil
}

func (w *webClient) getJSON(ctx context.Context, url string, v any) error {
	body, err := w.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
