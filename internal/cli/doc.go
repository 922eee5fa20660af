// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli parses and executes the alpaca command line.
//
// Without a command alpaca lists the chats. The global flags --new-chat
// and --ask create a chat or open the quick-ask front-end before any
// command runs.
//
// # Key Types
//
//   - Command: the command selected by Parse
//   - Args: global flags and the raw command arguments
//   - Runner: executes a command with replaceable streams and config
//   - ArgParser: flags and positionals of one command
//   - JSONResponse: the envelope of every --json output
//
// # Usage
//
//	os.Exit(cli.Main(ctx, os.Args[1:]))
//
// # Commands
//
//   - list: chats, most recently active first
//   - chat: interactive REPL with input history
//   - export, import: chat files in db, md, obsidian, json or json-meta
//   - models: list, pull, create, delete and catalog search
//   - instances: list, types, add, set, select and remove
//   - tools: list, enable, disable and set variables
//   - version
//
// Every command supports --json. Destructive commands ask first, or
// require --yes when they cannot prompt.
package cli
