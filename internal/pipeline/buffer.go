// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultDeltaInterval caps MessageDelta events at about 30 per second.
const DefaultDeltaInterval = 33 * time.Millisecond

// deltaBuffer batches streamed text so front-ends redraw at a bounded
// rate. It is used from the streaming goroutine only.
type deltaBuffer struct {
	content  strings.Builder
	thinking strings.Builder
	limiter  *rate.Limiter
}

func newDeltaBuffer(interval time.Duration) *deltaBuffer {
	return &deltaBuffer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// write adds a delta and reports whether the buffer should be flushed.
func (b *deltaBuffer) write(content, thinking string) bool {
	b.content.WriteString(content)
	b.thinking.WriteString(thinking)
	return b.pending() && b.limiter.Allow()
}

func (b *deltaBuffer) pending() bool {
	return b.content.Len() > 0 || b.thinking.Len() > 0
}

// flush returns and clears the buffered text.
func (b *deltaBuffer) flush() (content, thinking string) {
	content, thinking = b.content.String(), b.thinking.String()
	b.content.Reset()
	b.thinking.Reset()
	return content, thinking
}
