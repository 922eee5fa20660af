// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect probes the local GPU so a managed Ollama instance can be
// created with sensible environment overrides.
//
// Detection order is NVIDIA (nvidia-smi), AMD (KFD topology, then
// rocm-smi), Apple Silicon, then a CPU fallback sized from system memory.
// Results are cached for five minutes.
//
// # AMD overrides
//
// ROCm ships kernels for a fixed set of gfx targets. Cards outside that set
// run when HSA_OVERRIDE_GFX_VERSION names a compatible target:
//
//	info, _ := detect.GPU(ctx)
//	overrides := detect.SuggestOverrides(info)
//	// overrides["HSA_OVERRIDE_GFX_VERSION"] == "10.3.0" on an RX 6600
//
// EstimateModelVRAM and WillModelFit size catalog entries against the
// detected memory.
package detect
