// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package title names new chats from their first prompt with a one-shot
// structured completion.
package title

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rivo/uniseg"
	"go.uber.org/zap"

	"github.com/jeranaias/alpaca-core/internal/instance"
	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/util"
)

const (
	// Fallback is the title used when a model answers with nothing.
	Fallback = "New Chat"

	// MaxLength is the longest title kept, in characters, before the ellipsis.
	MaxLength = 30

	// Temperature and MaxTokens of every title request.
	Temperature = 0.2
	MaxTokens   = 50

	schemaName = "chat_title"
)

// Instructions sent ahead of the prompt.
const (
	PromptOllama = "You are an assistant that generates short chat titles based on the " +
		"prompt. If you want to, you can add a single emoji."
	PromptOpenAI = "You are an assistant that generates short chat titles based on the first " +
		"message from a user. If you want to, you can add a single emoji."
)

var (
	// thinkRe also matches reasoning cut off before its closing tag.
	thinkRe = regexp.MustCompile(`(?s)(?:<think>|<\|begin_of_thought\|>).*?(?:</think>|<\|end_of_thought\|>|$)`)
	// strayCloseRe matches reasoning whose opening tag was never sent.
	strayCloseRe = regexp.MustCompile(`(?s)^.*?(?:</think>|<\|end_of_thought\|>)`)

	titleSchema = json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"emoji":{"type":"string"}},"required":["title","emoji"],"additionalProperties":false}`)
)

// Request describes one title generation.
type Request struct {
	Client provider.Client

	// Ollama selects the native request shape; otherwise OpenAI-compatible.
	Ollama      bool
	Limitations provider.Limitations

	Model  string
	Prompt string

	// NumCtx is sent by Ollama requests when non-zero.
	NumCtx int
}

// FromInstance builds a request for a chat on inst.
func FromInstance(inst *instance.Instance, model, prompt string) Request {
	req := Request{
		Client:      inst.Client(),
		Ollama:      inst.Info.Family == instance.FamilyOllama,
		Limitations: inst.Limitations(),
		Model:       model,
		Prompt:      prompt,
	}
	if req.Ollama && inst.Props.OverrideParameters {
		req.NumCtx = inst.Props.NumCtx
	}
	return req
}

// Generator produces chat titles.
type Generator struct {
	log *zap.SugaredLogger
}

// New creates a generator. A nil logger discards output.
func New(log *zap.SugaredLogger) *Generator {
	if log == nil {
		log = logging.Nop()
	}
	return &Generator{log: log}
}

type answer struct {
	Title string `json:"title"`
	Emoji string `json:"emoji"`
}

// Generate returns a cleaned title. On error the caller keeps the chat's
// current name.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	if req.Client == nil {
		return "", errors.New("title: no client")
	}
	if req.Model == "" {
		return "", errors.New("title: no model")
	}
	var (
		raw string
		err error
	)
	if req.Ollama {
		raw, err = g.ollama(ctx, req)
	} else {
		raw, err = g.openAI(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}

	title := raw
	var a answer
	if json.Unmarshal([]byte(raw), &a) == nil && strings.TrimSpace(a.Title) != "" {
		title = Compose(a.Emoji, a.Title)
	}
	title = Clean(title)
	if title == "" {
		title = Fallback
	}
	g.log.Debugw("generated title", "model", req.Model, "title", title)
	return title, nil
}

func (g *Generator) ollama(ctx context.Context, req Request) (string, error) {
	keepAlive, think := 0, false
	params := provider.ChatParams{
		Model: req.Model,
		Messages: []provider.Message{{
			Role: provider.RoleUser,
			Text: PromptOllama + "\n\n" + req.Prompt,
		}},
		MaxTokens:          MaxTokens,
		OverrideParameters: true,
		Temperature:        Temperature,
		NumCtx:             req.NumCtx,
		KeepAlive:          &keepAlive,
		Think:              &think,
	}
	raw, err := req.Client.CompleteStructured(ctx, params, schemaName, titleSchema)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return Fallback, nil
	}
	return raw, nil
}

// openAI asks for structured output first and retries as plain text when
// the provider rejects response formats.
func (g *Generator) openAI(ctx context.Context, req Request) (string, error) {
	role := provider.RoleSystem
	if req.Limitations.Has(provider.NoSystemMessages) {
		role = provider.RoleUser
	}
	params := provider.ChatParams{
		Model: req.Model,
		Messages: []provider.Message{
			{Role: role, Text: PromptOpenAI},
			{Role: provider.RoleUser, Text: "Generate a title for this prompt:\n" + req.Prompt},
		},
		MaxTokens:          MaxTokens,
		OverrideParameters: true,
		Temperature:        Temperature,
	}
	raw, err := req.Client.CompleteStructured(ctx, params, schemaName, titleSchema)
	if err == nil {
		return raw, nil
	}
	if provider.IsCancelled(err) {
		return "", err
	}
	g.log.Debugw("structured title failed, retrying as text", "model", req.Model, "error", err)
	completion, err := req.Client.Complete(ctx, params)
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

// Compose joins an emoji and a title. The emoji is dropped unless it is
// exactly one grapheme.
func Compose(emoji, title string) string {
	emoji = strings.TrimSpace(emoji)
	title = strings.TrimSpace(title)
	if emoji == "" || uniseg.GraphemeClusterCount(emoji) != 1 {
		return title
	}
	return emoji + " " + title
}

// Clean strips reasoning and line breaks and shortens long titles to
// MaxLength characters plus "...".
func Clean(title string) string {
	title = thinkRe.ReplaceAllString(title, "")
	title = strayCloseRe.ReplaceAllString(title, "")
	title = strings.NewReplacer("\r", "", "\n", "").Replace(title)
	title = strings.TrimSpace(title)
	return util.TruncateRunes(title, MaxLength, "...")
}
