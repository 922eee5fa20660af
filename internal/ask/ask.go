// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/multierr"
	"golang.org/x/term"

	"github.com/jeranaias/alpaca-core/internal/app"
	"github.com/jeranaias/alpaca-core/internal/pipeline"
	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// ErrEmptyPrompt is returned when plain mode has nothing to ask.
var ErrEmptyPrompt = errors.New("nothing to ask")

// Streams are the outputs of Run.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Run answers prompt in a quick-ask window, or streams the answer to
// out.Stdout when that is not a terminal. An empty model means the
// instance default.
func Run(ctx context.Context, a *app.App, prompt, model string, out Streams) (err error) {
	sess, err := NewSession(ctx, a, model)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, sess.Close(context.WithoutCancel(ctx)))
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if err := a.WatchConfig(watchCtx); err != nil {
		a.Log.Debugw("not watching configuration", "error", err)
	}

	if f, ok := out.Stdout.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return Plain(ctx, sess, prompt, out)
	}

	cfg := a.Config.Ask
	renderer := NewRenderer(ResolveStyle(cfg.Style), cfg.RenderMarkdown, 80)
	p := tea.NewProgram(NewModel(ctx, sess, prompt, renderer), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Plain submits prompt and writes the reply to out.Stdout as it streams.
// Notices go to out.Stderr. The chat is not saved.
func Plain(ctx context.Context, chat Chat, prompt string, out Streams) error {
	w := out.Stdout
	if prompt == "" {
		return ErrEmptyPrompt
	}
	if err := chat.Submit(ctx, prompt); err != nil {
		return err
	}

	var reply string
	var printed strings.Builder
	for {
		var e pipeline.Event
		select {
		case <-ctx.Done():
			chat.Cancel()
			return ctx.Err()
		case e = <-chat.Events():
		}
		switch e.Kind {
		case pipeline.MessageAdded:
			if e.Message != nil && e.Message.Role != store.RoleUser {
				reply = e.MessageID
			}
		case pipeline.MessageDelta:
			if e.MessageID == reply {
				fmt.Fprint(w, e.Content)
				printed.WriteString(e.Content)
			}
		case pipeline.MessageFinished:
			if e.MessageID != reply {
				continue
			}
			// Deltas dropped under load are caught up from the final text.
			if e.Message != nil && !e.Discarded {
				if rest, ok := strings.CutPrefix(e.Message.Content, printed.String()); ok {
					fmt.Fprint(w, rest)
				}
			}
			fmt.Fprintln(w)
			if e.Err != nil && !isCancelled(e.Err) {
				return e.Err
			}
			return nil
		case pipeline.Toast:
			if out.Stderr != nil {
				fmt.Fprintln(out.Stderr, e.Text)
			}
		}
	}
}

func isCancelled(err error) bool {
	return provider.IsCancelled(err) || errors.Is(err, context.Canceled)
}
