// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the TOML configuration and resolves the XDG
// directories.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (ALPACA_*)
//   - $XDG_CONFIG_HOME/alpaca/config.toml
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Resolve directories:
//
//	dirs, err := cfg.Dirs()
//	db := filepath.Join(dirs.Data, store.DatabaseName)
//
// Follow edits of the file:
//
//	err := config.Watch(ctx, path, func(cfg *config.Config, err error) { ... })
package config
