// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// kfdTopology is where the amdgpu kernel driver publishes compute nodes.
var kfdTopology = "/sys/class/kfd/kfd/topology/nodes"

var amdNumericRegex = regexp.MustCompile(`(\d+)`)

// =============================================================================
// AMD DETECTION
// =============================================================================

func detectAmd(ctx context.Context) *GpuInfo {
	if runtime.GOOS != "linux" {
		return nil
	}
	gfx := kfdGfxVersion(kfdTopology)
	info := detectAmdRocmSmi(ctx)
	if info == nil && gfx == "" {
		return nil
	}
	if info == nil {
		info = &GpuInfo{Name: "AMD GPU", VramGB: 8, Type: GpuTypeAmd}
	}
	info.GfxVersion = gfx
	if info.GfxVersion == "" {
		info.GfxVersion = gfxFromName(info.Name)
	}
	return info
}

// kfdGfxVersion returns the first GPU node's gfx target, reading
// "gfx_target_version 100302" as "10.3.2". CPU nodes report 0.
func kfdGfxVersion(root string) string {
	nodes, err := filepath.Glob(filepath.Join(root, "*", "properties"))
	if err != nil {
		return ""
	}
	for _, path := range nodes {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if v := parseGfxTargetVersion(string(data)); v != "" {
			return v
		}
	}
	return ""
}

func parseGfxTargetVersion(properties string) string {
	for _, line := range strings.Split(properties, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "gfx_target_version" {
			continue
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n == 0 {
			return ""
		}
		return fmt.Sprintf("%d.%d.%d", n/10000, (n/100)%100, n%100)
	}
	return ""
}

func detectAmdRocmSmi(ctx context.Context) *GpuInfo {
	out, err := exec.CommandContext(ctx, "rocm-smi", "--showproductname", "--showmeminfo", "vram").Output()
	if err != nil {
		return nil
	}
	return parseRocmSmi(string(out))
}

func parseRocmSmi(out string) *GpuInfo {
	info := &GpuInfo{Name: "AMD GPU", VramGB: 8, Type: GpuTypeAmd}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "Card series:") || strings.Contains(line, "Card Series:") {
			if parts := strings.SplitN(line, ":", 3); len(parts) == 3 {
				info.Name = "AMD " + strings.TrimSpace(parts[2])
			}
		}
		if strings.Contains(line, "Total Memory") {
			matches := amdNumericRegex.FindAllString(line, -1)
			if len(matches) == 0 {
				continue
			}
			val, err := strconv.ParseUint(matches[len(matches)-1], 10, 64)
			if err != nil {
				continue
			}
			switch {
			case val > 1_000_000_000:
				info.VramGB = uint32(val / (1 << 30))
			case val > 1_000_000:
				info.VramGB = uint32(val / 1024)
			default:
				info.VramGB = uint32(val)
			}
		}
	}
	return info
}

// =============================================================================
// ARCHITECTURE AND OVERRIDES
// =============================================================================

// gfxFromName guesses the gfx target from a marketing name when the
// topology is unavailable.
func gfxFromName(name string) string {
	n := strings.ToLower(name)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(n, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("9070", "9060"):
		return "12.0.1"
	case has("7900"):
		return "11.0.0"
	case has("7800", "7700"):
		return "11.0.1"
	case has("7600"):
		return "11.0.2"
	case has("6900", "6800"):
		return "10.3.0"
	case has("6700"):
		return "10.3.1"
	case has("6600"):
		return "10.3.2"
	case has("6500", "6400"):
		return "10.3.4"
	case has("5700", "5600"):
		return "10.1.0"
	case has("5500"):
		return "10.1.2"
	case has("radeon vii"):
		return "9.0.6"
	case has("vega"):
		return "9.0.0"
	}
	return ""
}

// rocmTargets are gfx targets ROCm ships kernels for.
var rocmTargets = map[string]bool{
	"9.0.0": true, "9.0.6": true, "9.0.8": true, "9.0.10": true,
	"10.3.0": true,
	"11.0.0": true, "11.0.1": true, "11.0.2": true,
	"12.0.0": true, "12.0.1": true,
}

// HSAOverride returns the HSA_OVERRIDE_GFX_VERSION that makes gfx usable
// with ROCm, or "" when the target is supported or unknown.
func HSAOverride(gfx string) string {
	if gfx == "" || rocmTargets[gfx] {
		return ""
	}
	switch {
	case strings.HasPrefix(gfx, "10.3."):
		return "10.3.0"
	case strings.HasPrefix(gfx, "11.0."), strings.HasPrefix(gfx, "11.5."):
		return "11.0.0"
	case strings.HasPrefix(gfx, "10.1."):
		return "10.1.0"
	case strings.HasPrefix(gfx, "9.0."):
		return "9.0.0"
	}
	return ""
}

// SuggestOverrides returns environment overrides for a managed Ollama
// instance on this hardware. Keys with no suggestion are absent.
func SuggestOverrides(info *GpuInfo) map[string]string {
	out := map[string]string{}
	if info == nil || info.Type != GpuTypeAmd {
		return out
	}
	if v := HSAOverride(info.GfxVersion); v != "" {
		out["HSA_OVERRIDE_GFX_VERSION"] = v
	}
	if strings.HasPrefix(info.GfxVersion, "12.") && !rocmTargets[info.GfxVersion] {
		out["OLLAMA_VULKAN"] = "1"
	}
	return out
}
