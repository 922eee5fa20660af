// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ask is the quick-ask front-end: a throwaway chat answered in
// the terminal, kept only when the user saves it.
package ask

import (
	"context"
	"errors"
	"sync"

	"github.com/jeranaias/alpaca-core/internal/app"
	"github.com/jeranaias/alpaca-core/internal/pipeline"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// ChatName is the name of the quick-ask chat.
const ChatName = "Quick Ask"

// eventBuffer bounds the events queued for a slow front-end.
const eventBuffer = 256

// ErrNoInstance is returned when no instance is selected.
var ErrNoInstance = errors.New("please select an instance in Alpaca before chatting")

// Chat is the conversation the front-ends drive.
type Chat interface {
	// Events delivers the pipeline events of this chat.
	Events() <-chan pipeline.Event
	Submit(ctx context.Context, text string) error
	Cancel()
	// Model names the model that answers.
	Model() string
	// Save keeps the chat after Close.
	Save()
	Close(ctx context.Context) error
}

// Session is a Chat backed by the application context.
type Session struct {
	app    *app.App
	chat   *store.Chat
	model  string
	events <-chan pipeline.Event
	unsub  func()

	mu    sync.Mutex
	saved bool
}

// NewSession creates the quick-ask chat on the selected instance. An
// empty model means the instance default.
func NewSession(ctx context.Context, a *app.App, model string) (*Session, error) {
	inst := a.Instances.Selected()
	if inst == nil {
		return nil, ErrNoInstance
	}
	if model == "" {
		var err error
		if model, err = a.ResolveModel(ctx, inst); err != nil {
			return nil, err
		}
	}
	chat, err := a.Store.CreateChat(ctx, ChatName, "")
	if err != nil {
		return nil, err
	}
	s := &Session{app: a, chat: chat, model: model}
	s.events, s.unsub = a.SubscribeChat(chat.ID, eventBuffer)
	return s, nil
}

func (s *Session) Events() <-chan pipeline.Event { return s.events }

func (s *Session) Model() string { return s.model }

func (s *Session) Submit(ctx context.Context, text string) error {
	_, err := s.app.Pipeline.Submit(ctx, pipeline.Request{ChatID: s.chat.ID, Text: text, Model: s.model})
	return err
}

func (s *Session) Cancel() { s.app.Pipeline.Cancel(s.chat.ID) }

func (s *Session) Save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = true
}

// Close stops generation and deletes the chat unless it was saved.
func (s *Session) Close(ctx context.Context) error {
	s.Cancel()
	s.app.Pipeline.Wait()
	s.unsub()

	s.mu.Lock()
	saved := s.saved
	s.mu.Unlock()
	if saved {
		return nil
	}
	return s.app.Store.DeleteChat(ctx, s.chat.ID)
}
