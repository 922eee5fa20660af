// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud implements provider.Client for OpenAI-compatible services.
//
// Every hosted provider (ChatGPT, Gemini, Together, Deepseek, OpenRouter,
// Anthropic, Groq, Mistral and the rest) speaks the chat-completions
// protocol; they differ in base URL, in how their model catalog is listed
// and in a small set of request limitations. Those differences are carried
// by Options so one Client type serves all of them.
//
// # Usage
//
//	c := cloud.New(cloud.Options{
//	    BaseURL:     "https://api.openai.com/v1/",
//	    APIKey:      key,
//	    Listing:     cloud.ListingGeneric,
//	})
//	completion, err := c.StreamChat(ctx, params, func(ch provider.Chunk) {
//	    fmt.Print(ch.Content)
//	})
//
// # Security
//
// API keys are sent only in the Authorization header (or the query string
// where a listing endpoint demands it) and never logged; log lines carry a
// short fingerprint instead.
package cloud
