// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared across packages: crash-safe file
// writes, display-width aware truncation and collision-free name numbering.
//
//	name := util.NumberedName("Report", existing) // "Report 2"
//	err := util.AtomicWriteFile(path, data, 0o644)
package util
