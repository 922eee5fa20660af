// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"regexp"
	"strconv"
	"strings"
)

// paramRegex finds a parameter count such as "7b", "1.5b", "135m" or
// "8x7b" in a model tag.
var paramRegex = regexp.MustCompile(`(?:(\d+)x)?(\d+(?:\.\d+)?)([bm])\b`)

// ParamCount returns the parameter count in billions parsed from a model
// name, or 0 when none is present.
func ParamCount(modelName string) float64 {
	m := paramRegex.FindStringSubmatch(strings.ToLower(modelName))
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0
	}
	if m[3] == "m" {
		n /= 1000
	}
	if m[1] != "" {
		experts, _ := strconv.Atoi(m[1])
		n *= float64(experts)
	}
	return n
}

// EstimateModelVRAM estimates the memory in MB to run a Q4_K_M model:
// about 0.56 bytes per parameter plus 1.5GB of KV cache and runtime.
// Unknown sizes estimate 6GB.
func EstimateModelVRAM(modelName string) int {
	params := ParamCount(modelName)
	if params == 0 {
		return 6000
	}
	return int((params*0.56 + 1.5) * 1024)
}

// WillModelFit reports whether the model fits availableMB with a 20%
// margin.
func WillModelFit(modelName string, availableMB int) bool {
	return int(float64(EstimateModelVRAM(modelName))*1.2) <= availableMB
}
