// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama talks to Ollama servers and supervises a local one.
//
// Client implements provider.Client over the native /api/chat endpoint and
// provider.ModelAdmin over the pull, create, delete and blob endpoints.
// Blocking tool-selection completions go through the server's
// OpenAI-compatible /v1 path, which issues tool call ids.
//
// Controller runs "ollama serve" as a child process in its own process
// group, captures a bounded tail of its output and classifies known log
// lines into a Summary.
//
// # Usage
//
//	ctl := ollama.NewController(ollama.ControllerOptions{
//	    URL:            "http://127.0.0.1:11435",
//	    ModelDirectory: dirs.OllamaModels(),
//	    CacheDir:       dirs.Cache,
//	})
//	if err := ctl.Start(ctx); err != nil {
//	    return err
//	}
//	defer ctl.Stop()
//
//	client := ollama.New(ollama.ClientConfig{BaseURL: ctl.URL()})
//	models, err := client.ListModels(ctx)
package ollama
