// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"github.com/jeranaias/alpaca-core/internal/blocks"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// EventKind identifies what changed.
type EventKind int

const (
	// MessageAdded carries a new message: the user turn, or the empty
	// assistant turn that is about to stream.
	MessageAdded EventKind = iota + 1
	// MessageDelta carries coalesced reply text and thinking.
	MessageDelta
	// BlocksSealed carries blocks of the reply that will not change.
	BlocksSealed
	// AttachmentAdded carries an attachment of the reply.
	AttachmentAdded
	// MessageFinished carries the final message, or Discarded when
	// nothing was produced.
	MessageFinished
	// ChatRenamed carries the generated title.
	ChatRenamed
	// Toast carries a short user-visible notice.
	Toast
	// ChatBusy reports generation starting or ending on a chat.
	ChatBusy
)

func (k EventKind) String() string {
	switch k {
	case MessageAdded:
		return "message_added"
	case MessageDelta:
		return "message_delta"
	case BlocksSealed:
		return "blocks_sealed"
	case AttachmentAdded:
		return "attachment_added"
	case MessageFinished:
		return "message_finished"
	case ChatRenamed:
		return "chat_renamed"
	case Toast:
		return "toast"
	case ChatBusy:
		return "chat_busy"
	}
	return "unknown"
}

// Event is one notification to the front-end. Which fields are set
// depends on Kind.
type Event struct {
	Kind      EventKind
	ChatID    string
	MessageID string

	Message    *store.Message
	Content    string
	Thinking   string
	Blocks     []blocks.Block
	Attachment *store.Attachment

	// Name is the new chat name of ChatRenamed.
	Name string
	// Text is the notice of Toast, or the notification preview of
	// MessageFinished.
	Text string

	Busy      bool
	Discarded bool
	Err       error
}

// EventFunc receives events from generation goroutines. Events of one
// chat arrive in order; the function must not block.
type EventFunc func(Event)
