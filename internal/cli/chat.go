// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/jeranaias/alpaca-core/internal/app"
	"github.com/jeranaias/alpaca-core/internal/blocks"
	"github.com/jeranaias/alpaca-core/internal/export"
	"github.com/jeranaias/alpaca-core/internal/models"
	"github.com/jeranaias/alpaca-core/internal/pipeline"
	"github.com/jeranaias/alpaca-core/internal/store"
	"github.com/jeranaias/alpaca-core/internal/tools"
)

// historyFileName is the REPL input history in the config directory.
const historyFileName = "chat_history"

// chatEventBuffer bounds the events queued while the terminal is slow.
const chatEventBuffer = 256

const chatHelp = `Commands:
  /help               Show this help
  /regenerate         Generate the last reply again
  /rename NAME        Rename the chat
  /model [NAME]       Show or switch the model
  /system TEXT        Add a system message
  /tools on|off       Offer the enabled tools to the model
  /export FMT [PATH]  Export the chat (db, md, obsidian, json, json-meta)
  /quit, /exit        Leave the chat
  Ctrl+C              Stop the reply being generated
  Ctrl+D              Leave the chat`

// =============================================================================
// COMMAND APPROVAL
// =============================================================================

// lineApprover asks on the REPL before run_command executes. Without an
// attached line editor every command is denied.
type lineApprover struct {
	out io.Writer

	mu   sync.Mutex
	line *liner.State
}

func (l *lineApprover) attach(line *liner.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.line = line
}

// Approve implements tools.Approver.
func (l *lineApprover) Approve(ctx context.Context, req tools.CommandRequest) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil || ctx.Err() != nil {
		return false, nil
	}
	fmt.Fprintf(l.out, "\n%s %s\n", WarningStyle.Render("The model wants to run:"), req.Command)
	if req.Explanation != "" {
		fmt.Fprintln(l.out, DimStyle.Render(req.Explanation))
	}
	target := req.Target
	if target == "" || target == "local" {
		target = "this computer"
	}
	answer, err := l.line.Prompt(fmt.Sprintf("Run it on %s? [y/N] ", target))
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// =============================================================================
// SESSION
// =============================================================================

// chatSession is one interactive conversation.
type chatSession struct {
	r      *Runner
	app    *app.App
	chat   *store.Chat
	model  string
	tools  pipeline.ToolMode
	events <-chan pipeline.Event
}

// chat runs the interactive REPL on CHAT_ID, or on a new chat.
func (r *Runner) chat(ctx context.Context, a *app.App, args Args, approver *lineApprover) error {
	inst, err := a.Instances.Require()
	if err != nil {
		return err
	}
	s := &chatSession{r: r, app: a, model: args.Model}
	if s.model == "" {
		if s.model, err = a.ResolveModel(ctx, inst); err != nil {
			return err
		}
	}
	if a.Tools != nil && len(a.Tools.Registry().Enabled()) > 0 {
		s.tools = pipeline.ToolsAuto
	}

	if id := NewArgParser(args.Raw).Positional(0); id != "" {
		s.chat, err = a.Store.GetChat(ctx, id)
	} else {
		s.chat, err = a.Store.CreateChat(ctx, store.DefaultChatName, "")
	}
	if err != nil {
		return err
	}

	var unsub func()
	s.events, unsub = a.SubscribeChat(s.chat.ID, chatEventBuffer)
	defer unsub()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if err := a.WatchConfig(watchCtx); err != nil {
		a.Log.Debugw("not watching configuration", "error", err)
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	history := filepath.Join(a.Dirs.Config, historyFileName)
	if f, err := os.Open(history); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	approver.attach(line)
	defer func() {
		approver.attach(nil)
		if f, err := os.OpenFile(history, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
		line.Close()
	}()

	if !args.Quiet {
		if err := s.printHeader(ctx, inst.Name()); err != nil {
			return err
		}
	}

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or closed stdin
			fmt.Fprintln(r.Stdout)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}
		if strings.HasPrefix(input, "/") {
			quit, err := s.command(ctx, input)
			if err != nil {
				DisplayError(r.Stderr, err, false)
			}
			if quit {
				return nil
			}
			continue
		}

		_, err = a.Pipeline.Submit(ctx, pipeline.Request{
			ChatID: s.chat.ID,
			Text:   input,
			Model:  s.model,
			Tools:  s.tools,
		})
		if err == nil {
			err = s.stream(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			DisplayError(r.Stderr, err, false)
		}
	}
}

func (s *chatSession) printHeader(ctx context.Context, instance string) error {
	out := s.r.Stdout
	fmt.Fprintf(out, "%s %s\n", TitleStyle.Render(s.chat.Name), DimStyle.Render(s.chat.ID))
	fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("%s on %s. Type /help for commands.", models.PrettyName(s.model), instance)))

	msgs, err := s.app.Store.GetMessages(ctx, s.chat.ID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "\n%s\n%s\n", s.label(m.Role, m.Model), blocks.LabelFences(m.Content))
	}
	fmt.Fprintln(out)
	return nil
}

func (s *chatSession) label(role store.Role, model string) string {
	switch role {
	case store.RoleUser:
		return PromptStyle.Render("You")
	case store.RoleSystem:
		return WarningStyle.Render("System")
	}
	if model == "" {
		model = s.model
	}
	return AssistantStyle.Render(models.PrettyName(model))
}

// stream prints the reply until generation ends. Ctrl+C stops the reply
// and keeps the session.
func (s *chatSession) stream(ctx context.Context) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	out := s.r.Stdout
	var replyID, printed string
	var thinking bool
	var replyErr error
	for {
		select {
		case <-ctx.Done():
			s.app.Pipeline.Cancel(s.chat.ID)
			return ctx.Err()
		case <-interrupt:
			if s.app.Pipeline.Cancel(s.chat.ID) {
				fmt.Fprintln(s.r.Stderr, "\n"+WarningStyle.Render("[Stopped]"))
			}
		case e := <-s.events:
			switch e.Kind {
			case pipeline.MessageAdded:
				if e.Message != nil && e.Message.Role != store.RoleUser {
					replyID = e.MessageID
					fmt.Fprintf(out, "\n%s\n", s.label(e.Message.Role, e.Message.Model))
				}
			case pipeline.MessageDelta:
				if e.MessageID != replyID {
					continue
				}
				if e.Thinking != "" {
					thinking = true
					fmt.Fprint(out, DimStyle.Render(e.Thinking))
				}
				if e.Content != "" {
					if thinking {
						fmt.Fprint(out, "\n\n")
						thinking = false
					}
					fmt.Fprint(out, e.Content)
					printed += e.Content
				}
			case pipeline.AttachmentAdded:
				if e.Attachment != nil {
					fmt.Fprintf(out, "\n%s\n", DimStyle.Render("["+e.Attachment.Name+"]"))
				}
			case pipeline.MessageFinished:
				if e.MessageID != replyID {
					continue
				}
				if e.Message != nil && !e.Discarded {
					if rest, ok := strings.CutPrefix(e.Message.Content, printed); ok {
						fmt.Fprint(out, rest)
					}
				}
				fmt.Fprint(out, "\n\n")
				if e.Err != nil && !isCancelled(e.Err) {
					replyErr = e.Err
				}
			case pipeline.ChatRenamed:
				s.chat.Name = e.Name
				fmt.Fprintln(out, DimStyle.Render("Chat renamed to "+e.Name))
			case pipeline.Toast:
				fmt.Fprintln(s.r.Stderr, WarningStyle.Render(e.Text))
			case pipeline.ChatBusy:
				if !e.Busy {
					return replyErr
				}
			}
		}
	}
}

// command runs a slash command and reports whether the REPL should end.
func (s *chatSession) command(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	out := s.r.Stdout

	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help", "/h", "/?":
		fmt.Fprintln(out, chatHelp)

	case "/regenerate", "/r":
		msgs, err := s.app.Store.GetMessages(ctx, s.chat.ID)
		if err != nil {
			return false, err
		}
		var last *store.Message
		for i := len(msgs) - 1; i >= 0 && last == nil; i-- {
			if msgs[i].Role == store.RoleAssistant {
				last = &msgs[i]
			}
		}
		if last == nil {
			return false, errors.New("there is no reply to regenerate")
		}
		gen := pipeline.Generation{Model: s.model, Tools: s.tools}
		if err := s.app.Pipeline.Regenerate(ctx, last.ID, gen); err != nil {
			return false, err
		}
		return false, s.stream(ctx)

	case "/rename":
		if arg == "" {
			return false, ErrMissingArgument("NAME", "/rename Trip planning")
		}
		if err := s.app.Store.RenameChat(ctx, s.chat.ID, arg); err != nil {
			return false, err
		}
		s.chat.Name = arg
		fmt.Fprintln(out, DimStyle.Render("Chat renamed to "+arg))

	case "/model", "/m":
		if arg != "" {
			s.model = arg
		}
		fmt.Fprintln(out, DimStyle.Render("Model: "+models.PrettyName(s.model)+" ("+s.model+")"))

	case "/system":
		if arg == "" {
			return false, ErrMissingArgument("TEXT", "/system Answer in French")
		}
		_, err := s.app.Pipeline.Submit(ctx, pipeline.Request{ChatID: s.chat.ID, Text: arg, Mode: pipeline.ModeSystem})
		return false, err

	case "/tools":
		switch strings.ToLower(arg) {
		case "on":
			if s.app.Tools == nil {
				return false, errToolsDisabled
			}
			s.tools = pipeline.ToolsAuto
		case "off":
			s.tools = pipeline.ToolsNone
		case "":
		default:
			return false, NewValidationError("/tools", arg, "expected on or off")
		}
		state := "off"
		if s.tools == pipeline.ToolsAuto {
			state = "on"
		}
		fmt.Fprintln(out, DimStyle.Render("Tools: "+state))

	case "/export":
		fmtName, path, _ := strings.Cut(arg, " ")
		f, err := export.ParseFormat(fmtName)
		if err != nil {
			return false, err
		}
		if path = strings.TrimSpace(path); path == "" {
			path = export.FileName(s.chat.Name, f)
		}
		if err := export.ToFile(ctx, s.app.Store, s.chat.ID, f, path); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render("Exported"), path)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}
