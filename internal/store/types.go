// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a persisted role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// AttachmentKind classifies an attachment's content.
type AttachmentKind string

const (
	KindImage        AttachmentKind = "image"
	KindPlainText    AttachmentKind = "plain_text"
	KindCode         AttachmentKind = "code"
	KindPDF          AttachmentKind = "pdf"
	KindYouTube      AttachmentKind = "youtube"
	KindWebsite      AttachmentKind = "website"
	KindThought      AttachmentKind = "thought"
	KindTool         AttachmentKind = "tool"
	KindMetadata     AttachmentKind = "metadata"
	KindModelContext AttachmentKind = "model_context"
	KindAudio        AttachmentKind = "audio"
	KindLink         AttachmentKind = "link"
)

var attachmentKinds = map[AttachmentKind]bool{
	KindImage: true, KindPlainText: true, KindCode: true, KindPDF: true,
	KindYouTube: true, KindWebsite: true, KindThought: true, KindTool: true,
	KindMetadata: true, KindModelContext: true, KindAudio: true, KindLink: true,
}

// Valid reports whether k is a known kind.
func (k AttachmentKind) Valid() bool { return attachmentKinds[k] }

// FolderColor is the accent color of a folder.
type FolderColor string

const (
	ColorBlue   FolderColor = "blue"
	ColorTeal   FolderColor = "teal"
	ColorGreen  FolderColor = "green"
	ColorYellow FolderColor = "yellow"
	ColorOrange FolderColor = "orange"
	ColorRed    FolderColor = "red"
	ColorPink   FolderColor = "pink"
	ColorPurple FolderColor = "purple"
	ColorSlate  FolderColor = "slate"
)

// Valid reports whether c is one of the nine palette colors.
func (c FolderColor) Valid() bool {
	switch c {
	case ColorBlue, ColorTeal, ColorGreen, ColorYellow, ColorOrange,
		ColorRed, ColorPink, ColorPurple, ColorSlate:
		return true
	}
	return false
}

// Folder groups chats. ParentID is empty for root folders.
type Folder struct {
	ID       string
	Name     string
	Color    FolderColor
	ParentID string
}

// Chat is a conversation. FolderID is empty when the chat sits at the root.
type Chat struct {
	ID         string
	Name       string
	FolderID   string
	IsTemplate bool

	// LastActivity is the timestamp of the newest message, zero when empty.
	LastActivity time.Time
}

// Message is one turn in a chat. Model is set only for assistant turns.
type Message struct {
	ID        string
	ChatID    string
	Role      Role
	Model     string
	Timestamp time.Time
	Content   string

	// Attachments is filled by LoadTranscript; other reads leave it nil.
	Attachments []Attachment
}

// Attachment is a typed artifact owned by a message.
type Attachment struct {
	ID        string
	MessageID string
	Kind      AttachmentKind
	Name      string
	Content   string
}

// Transcript is a chat with its messages and their attachments, in order.
type Transcript struct {
	Chat     Chat
	Messages []Message
}

// InstanceRecord is the persisted form of a provider instance. Properties
// holds every recognized option, including "url" and "api".
type InstanceRecord struct {
	ID         string
	Type       string
	Pinned     bool
	Properties map[string]any
}

// ModelPreferences holds per-model presentation settings.
type ModelPreferences struct {
	ModelID       string
	Picture       string
	Voice         string
	CharacterCard json.RawMessage
}

// ToolParameters is the persisted user configuration of a tool.
type ToolParameters struct {
	Name      string
	Variables map[string]any
	Activated bool
}

// TimeFormat is the on-disk layout of message timestamps.
const TimeFormat = "2006/01/02 15:04:05"
