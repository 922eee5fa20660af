// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/app"
	"github.com/jeranaias/alpaca-core/internal/models"
	"github.com/jeranaias/alpaca-core/internal/provider"
)

const modelsUsage = `alpaca models list
alpaca models pull NAME
alpaca models create NAME (--from MODEL | --gguf PATH) [--system TEXT] [--template TEXT] [--quantize Q]
alpaca models delete NAME [--yes]
alpaca models search [QUERY] [--category CATEGORY]`

// models dispatches the models subcommands.
func (r *Runner) models(ctx context.Context, a *app.App, args Args) error {
	p := NewArgParser(args.Raw, "yes", "y")
	if args.Subcommand == "search" {
		return r.searchModels(args, p)
	}
	m, err := a.Models()
	if err != nil {
		return err
	}
	switch args.Subcommand {
	case "", "list", "ls":
		return r.listModels(ctx, m, args)
	case "pull":
		return r.pullModel(ctx, m, args, p)
	case "create":
		return r.createModel(ctx, m, args, p)
	case "delete", "rm", "remove":
		return r.deleteModel(ctx, m, args, p)
	}
	return ErrUnknownSubcommand("models", args.Subcommand, []string{"list", "pull", "create", "delete", "search"})
}

func (r *Runner) listModels(ctx context.Context, m *models.Manager, args Args) error {
	added, err := m.Added(ctx)
	if err != nil {
		return err
	}
	data := make([]ModelData, len(added))
	for i, md := range added {
		data[i] = ModelData{Name: md.Name, DisplayName: md.DisplayName, Size: md.Size, Capabilities: md.Capabilities}
	}
	if args.JSON {
		return NewJSONResponse("models list", data).Write(r.Stdout)
	}
	if len(data) == 0 {
		fmt.Fprintln(r.Stdout, DimStyle.Render(`No models. Download one with "alpaca models pull NAME".`))
		return nil
	}
	t := Table{Headers: []string{"NAME", "DISPLAY NAME", "SIZE", "CAPABILITIES"}, Full: []int{0}}
	for _, d := range data {
		t.AddRow(d.Name, d.DisplayName, formatSize(d.Size), strings.Join(d.Capabilities, ", "))
	}
	t.Render(r.Stdout)
	return nil
}

// progressPrinter reports pull and create events on w.
func progressPrinter(w io.Writer, quiet bool) models.EventFunc {
	return func(e models.Event) {
		if quiet || e.Kind != models.EventProgress {
			return
		}
		if e.Fraction < 0 {
			fmt.Fprintf(w, "%s  %s\n", e.Model, e.Status)
			return
		}
		fmt.Fprintf(w, "%s  %s  %3.0f%%\n", e.Model, e.Status, e.Fraction*100)
	}
}

func (r *Runner) pullModel(ctx context.Context, m *models.Manager, args Args, p *ArgParser) error {
	name := p.Positional(1)
	if name == "" {
		return ErrMissingArgument("NAME", modelsUsage)
	}
	pull, err := m.Pull(ctx, name, progressPrinter(r.Stderr, args.Quiet || args.JSON))
	if err != nil {
		return err
	}
	if err := pull.Wait(); err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("models pull", map[string]string{"model": name}).Write(r.Stdout)
	}
	fmt.Fprintf(r.Stdout, "%s %s\n", SuccessStyle.Render("Pulled"), name)
	return nil
}

func (r *Runner) createModel(ctx context.Context, m *models.Manager, args Args, p *ArgParser) error {
	spec := provider.CreateSpec{
		Model:    p.Positional(1),
		From:     p.Flag("from"),
		GGUFPath: p.Flag("gguf"),
		System:   p.Flag("system"),
		Template: p.Flag("template"),
		Quantize: p.Flag("quantize"),
	}
	if spec.Model == "" {
		return ErrMissingArgument("NAME", modelsUsage)
	}
	if (spec.From == "") == (spec.GGUFPath == "") {
		return &ValidationError{
			Field:   "--from",
			Reason:  "exactly one of --from or --gguf is required",
			Example: `alpaca models create mymodel --from llama3.2 --system "Talk like a pirate"`,
		}
	}
	if err := m.Create(ctx, spec, progressPrinter(r.Stderr, args.Quiet || args.JSON)); err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("models create", map[string]string{"model": spec.Model}).Write(r.Stdout)
	}
	fmt.Fprintf(r.Stdout, "%s %s\n", SuccessStyle.Render("Created"), spec.Model)
	return nil
}

func (r *Runner) deleteModel(ctx context.Context, m *models.Manager, args Args, p *ArgParser) error {
	name := p.Positional(1)
	if name == "" {
		return ErrMissingArgument("NAME", modelsUsage)
	}
	ok, err := r.confirm(p, args.JSON, fmt.Sprintf("delete model %q", name))
	if err != nil {
		return err
	}
	if !ok {
		r.cancelled()
		return nil
	}
	if err := m.Delete(ctx, name); err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("models delete", map[string]string{"model": name}).Write(r.Stdout)
	}
	fmt.Fprintf(r.Stdout, "%s %s\n", SuccessStyle.Render("Deleted"), name)
	return nil
}

// searchModels searches the bundled catalog. It needs no instance.
func (r *Runner) searchModels(args Args, p *ArgParser) error {
	entries := models.Search(strings.Join(p.PositionalFrom(1), " "), p.Flag("category", "c"))
	data := make([]ModelData, len(entries))
	for i, e := range entries {
		tags := make([]string, len(e.Tags))
		for j, t := range e.Tags {
			tags[j] = t.Tag
		}
		data[i] = ModelData{
			Name:         e.Name,
			DisplayName:  models.PrettyName(e.Name),
			Capabilities: e.SearchCategories(),
			Description:  e.Description,
			Tags:         tags,
		}
	}
	if args.JSON {
		return NewJSONResponse("models search", data).Write(r.Stdout)
	}
	if len(data) == 0 {
		fmt.Fprintln(r.Stdout, DimStyle.Render("No matching models."))
		return nil
	}
	t := Table{Headers: []string{"NAME", "TAGS", "DESCRIPTION"}, Full: []int{0}}
	for _, d := range data {
		t.AddRow(d.Name, strings.Join(d.Tags, " "), d.Description)
	}
	t.Render(r.Stdout)
	return nil
}

// formatSize renders a byte count with a binary unit.
func formatSize(n int64) string {
	if n <= 0 {
		return ""
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
