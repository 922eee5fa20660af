// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes chats in human-readable formats.
//
// # Supported Formats
//
//   - db: a database fragment that can be imported again
//   - md: markdown with attachments in collapsible details blocks
//   - obsidian: markdown with attachments as Obsidian quote callouts
//   - json: OpenAI-shaped message list
//   - json-meta: the same, keyed by chat name, with dates and models
//
// # Usage
//
//	data, err := export.Render(transcript, export.FormatObsidian)
//
// Export straight to a file:
//
//	err := export.ToFile(ctx, st, chatID, export.FormatJSON, "chat.json")
package export
