// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the callable tools offered to models during a
// chat turn.
//
// # Key Types
//
//   - Tool: name, JSON schema of its arguments, user variables and executor
//   - Registry: registered tools with persisted enable flags and variables
//   - Executor: validated, time-limited execution of one call
//   - Selection: outcome of the tool-selection round of a turn
//
// # Selection Protocol
//
// A turn with tools first asks the model for a non-streamed completion
// offering every enabled tool. Each returned call is executed, recorded as
// a tool attachment on the reply and answered with a tool message; the turn
// then streams with tool_choice "none".
//
// # Built-in Tools
//
//   - get_current_datetime
//   - get_recipe_by_name, get_recipes_by_category (TheMealDB)
//   - extract_wikipedia (Wikimedia REST)
//   - online_search (DuckDuckGo instant answers)
//   - run_command (needs approval; ssh or local shell)
package tools
