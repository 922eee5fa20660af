// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/alpaca-core/internal/app"
	"github.com/jeranaias/alpaca-core/internal/ask"
	"github.com/jeranaias/alpaca-core/internal/export"
	"github.com/jeranaias/alpaca-core/internal/store"
)

func chatData(c store.Chat) ChatData {
	d := ChatData{ID: c.ID, Name: c.Name, FolderID: c.FolderID}
	if !c.LastActivity.IsZero() {
		d.LastActivity = store.FormatTime(c.LastActivity)
	}
	return d
}

// listChats prints every chat, most recently active first.
func (r *Runner) listChats(ctx context.Context, a *app.App, args Args) error {
	chats, err := a.Store.GetAllChats(ctx)
	if err != nil {
		return err
	}
	data := make([]ChatData, 0, len(chats))
	for _, c := range chats {
		if !c.IsTemplate {
			data = append(data, chatData(c))
		}
	}
	if args.JSON {
		return NewJSONResponse("list", data).Write(r.Stdout)
	}
	if len(data) == 0 {
		if !args.Quiet {
			fmt.Fprintln(r.Stdout, DimStyle.Render(`No chats yet. Start one with "alpaca chat".`))
		}
		return nil
	}
	t := Table{Headers: []string{"ID", "NAME", "LAST ACTIVITY"}, Full: []int{0}}
	for _, d := range data {
		t.AddRow(d.ID, d.Name, d.LastActivity)
	}
	t.Render(r.Stdout)
	return nil
}

// newChat creates the --new-chat chat and prints its id.
func (r *Runner) newChat(ctx context.Context, a *app.App, args Args) error {
	chat, err := a.Store.CreateChat(ctx, args.NewChat, "")
	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("new-chat", chatData(*chat)).Write(r.Stdout)
	}
	fmt.Fprintln(r.Stdout, chat.ID)
	return nil
}

// ask runs the quick-ask front-end.
func (r *Runner) ask(ctx context.Context, a *app.App, args Args) error {
	return ask.Run(ctx, a, args.Ask, args.Model, ask.Streams{Stdout: r.Stdout, Stderr: r.Stderr})
}

// export writes one chat in the requested format.
func (r *Runner) export(ctx context.Context, a *app.App, args Args) error {
	p := NewArgParser(args.Raw)
	chatID := p.Positional(0)
	if chatID == "" {
		return ErrMissingArgument("CHAT_ID", "alpaca export CHAT_ID --format md --out chat.md")
	}
	f, err := export.ParseFormat(p.FlagOrDefault("format", string(export.FormatMarkdown)))
	if err != nil {
		return err
	}
	chat, err := a.Store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	out := p.Flag("out", "o")
	if out == "" {
		out = export.FileName(chat.Name, f)
	}
	if err := export.ToFile(ctx, a.Store, chat.ID, f, out); err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("export", map[string]string{"chat_id": chat.ID, "format": string(f), "path": out}).Write(r.Stdout)
	}
	if !args.Quiet {
		fmt.Fprintf(r.Stdout, "%s %s\n", SuccessStyle.Render("Exported"), out)
	}
	return nil
}

// importChats imports every chat of an exported database.
func (r *Runner) importChats(ctx context.Context, a *app.App, args Args) error {
	path := NewArgParser(args.Raw).Positional(0)
	if path == "" {
		return ErrMissingArgument("PATH", "alpaca import chat.db")
	}
	chats, err := a.Store.ImportChats(ctx, path)
	if err != nil {
		return err
	}
	data := make([]ChatData, len(chats))
	for i, c := range chats {
		data[i] = chatData(c)
	}
	if args.JSON {
		return NewJSONResponse("import", data).Write(r.Stdout)
	}
	for _, d := range data {
		fmt.Fprintf(r.Stdout, "%s %s  %s\n", SuccessStyle.Render("Imported"), d.ID, d.Name)
	}
	return nil
}
