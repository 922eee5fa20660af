// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// gpuDetectTimeout bounds a full detection when ctx has no deadline.
const gpuDetectTimeout = 10 * time.Second

// =============================================================================
// GPU TYPE DEFINITIONS
// =============================================================================

// GpuType represents the type of GPU detected on the system.
type GpuType int

const (
	GpuTypeCPU GpuType = iota
	GpuTypeNvidia
	GpuTypeAmd
	GpuTypeAppleSilicon
)

func (t GpuType) String() string {
	switch t {
	case GpuTypeNvidia:
		return "NVIDIA"
	case GpuTypeAmd:
		return "AMD"
	case GpuTypeAppleSilicon:
		return "Apple Silicon"
	case GpuTypeCPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// GpuInfo describes the detected accelerator.
type GpuInfo struct {
	Name   string
	VramGB uint32
	Driver string
	Type   GpuType

	// GfxVersion is the AMD target as "major.minor.stepping", e.g. "10.3.2".
	GfxVersion string
}

func (g *GpuInfo) String() string {
	s := fmt.Sprintf("%s (%dGB VRAM)", g.Name, g.VramGB)
	if g.GfxVersion != "" {
		s += " gfx " + g.GfxVersion
	}
	if g.Driver != "" {
		s += fmt.Sprintf(" [Driver: %s]", g.Driver)
	}
	return s
}

// =============================================================================
// DETECTION
// =============================================================================

var (
	cacheMu       sync.Mutex
	cached        *GpuInfo
	cachedAt      time.Time
	cacheDuration = 5 * time.Minute
)

// GPU returns the cached detection result, detecting again when the cache
// is older than five minutes.
func GPU(ctx context.Context) (*GpuInfo, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached != nil && time.Since(cachedAt) < cacheDuration {
		return cached, nil
	}
	info, err := Detect(ctx)
	if err != nil {
		return nil, err
	}
	cached, cachedAt = info, time.Now()
	return info, nil
}

// ClearCache forces the next GPU call to detect again.
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cached = nil
}

// Detect probes the system without the cache. It always returns an info;
// the error is non-nil only when ctx is done.
func Detect(ctx context.Context) (*GpuInfo, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gpuDetectTimeout)
		defer cancel()
	}
	probes := []func(context.Context) *GpuInfo{detectNvidia, detectAmd, detectAppleSilicon}
	for _, probe := range probes {
		if info := probe(ctx); info != nil {
			return info, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return cpuInfo(ctx), nil
}

func detectNvidia(ctx context.Context) *GpuInfo {
	paths := []string{"nvidia-smi"}
	if runtime.GOOS == "windows" {
		paths = append(paths,
			`C:\Windows\System32\nvidia-smi.exe`,
			`C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`)
	}
	for _, path := range paths {
		out, err := exec.CommandContext(ctx, path,
			"--query-gpu=name,memory.total,driver_version",
			"--format=csv,noheader,nounits").Output()
		if err != nil {
			continue
		}
		if info := parseNvidiaSmi(string(out)); info != nil {
			return info
		}
	}
	return nil
}

// parseNvidiaSmi reads the first line of nvidia-smi CSV output.
func parseNvidiaSmi(out string) *GpuInfo {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	parts := strings.Split(line, ", ")
	if len(parts) < 3 {
		return nil
	}
	vramMB, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil
	}
	return &GpuInfo{
		Name:   "NVIDIA " + strings.TrimSpace(parts[0]),
		VramGB: uint32(vramMB/1024.0 + 0.5),
		Driver: strings.TrimSpace(parts[2]),
		Type:   GpuTypeNvidia,
	}
}

func detectAppleSilicon(ctx context.Context) *GpuInfo {
	if runtime.GOOS != "darwin" || runtime.GOARCH != "arm64" {
		return nil
	}
	name := "Apple Silicon"
	if out, err := exec.CommandContext(ctx, "sysctl", "-n", "machdep.cpu.brand_string").Output(); err == nil {
		if s := strings.TrimSpace(string(out)); s != "" {
			name = s
		}
	}
	var vram uint32 = 8
	if out, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output(); err == nil {
		if b, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
			vram = uint32(b / (1 << 30))
		}
	}
	return &GpuInfo{Name: name, VramGB: vram, Type: GpuTypeAppleSilicon}
}

// cpuInfo reports half the system memory as usable for CPU inference.
func cpuInfo(ctx context.Context) *GpuInfo {
	var gb uint32
	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/proc/meminfo"); err == nil {
			gb = parseMemTotalGB(string(data)) / 2
		}
	case "darwin":
		if out, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output(); err == nil {
			if b, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
				gb = uint32(b / (1 << 30) / 2)
			}
		}
	}
	if gb == 0 {
		gb = 4
	}
	return &GpuInfo{Name: "CPU Only", VramGB: gb, Type: GpuTypeCPU}
}

func parseMemTotalGB(meminfo string) uint32 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return uint32(kb / 1024 / 1024)
			}
		}
	}
	return 0
}
