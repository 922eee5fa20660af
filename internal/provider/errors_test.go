// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrapCancellation(t *testing.T) {
	err := Wrap(KindNetwork, "request failed", context.Canceled)
	if !IsCancelled(err) {
		t.Errorf("Wrap(context.Canceled) kind = %v, want cancelled", err.Kind)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("wrapped error should unwrap to context.Canceled")
	}
}

func TestSentinelMatching(t *testing.T) {
	wrapped := fmt.Errorf("regenerate: %w", &Error{Kind: KindLimitation, Message: ErrToolsUnsupported.Message})
	if !errors.Is(wrapped, ErrToolsUnsupported) {
		t.Error("copy of ErrToolsUnsupported should match the sentinel")
	}
	if errors.Is(wrapped, ErrNotInstalled) {
		t.Error("different message should not match")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", Errorf(KindNetwork, "reset"), true},
		{"server", &Error{Kind: KindProtocol, Status: 503}, true},
		{"client", &Error{Kind: KindProtocol, Status: 400}, false},
		{"auth", &Error{Kind: KindAuth, Status: 401}, false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProgressFraction(t *testing.T) {
	tests := []struct {
		p    Progress
		want float64
	}{
		{Progress{Total: 0}, -1},
		{Progress{Completed: 50, Total: 100}, 0.5},
		{Progress{Completed: 150, Total: 100}, 1},
	}
	for _, tt := range tests {
		if got := tt.p.Fraction(); got != tt.want {
			t.Errorf("Fraction(%+v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestModelInfoNilSafe(t *testing.T) {
	var info *ModelInfo
	if info.HasCapability(CapTools) {
		t.Error("nil info should report no capabilities")
	}
	info = &ModelInfo{Capabilities: []string{CapTools}}
	if !info.HasCapability(CapTools) {
		t.Error("expected tools capability")
	}
}
