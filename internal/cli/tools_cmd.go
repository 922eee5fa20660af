// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/app"
	"github.com/jeranaias/alpaca-core/internal/tools"
)

const toolsUsage = `alpaca tools list
alpaca tools enable NAME
alpaca tools disable NAME
alpaca tools set NAME VARIABLE VALUE`

var errToolsDisabled = errors.New("tool calling is disabled (ALPACA_TOOLS=0)")

// tools dispatches the tools subcommands.
func (r *Runner) tools(ctx context.Context, a *app.App, args Args) error {
	if a.Tools == nil {
		return errToolsDisabled
	}
	reg := a.Tools.Registry()
	p := NewArgParser(args.Raw)
	switch args.Subcommand {
	case "", "list", "ls":
		return r.listTools(reg, args)
	case "enable", "disable":
		name := p.Positional(1)
		if name == "" {
			return ErrMissingArgument("NAME", toolsUsage)
		}
		enabled := args.Subcommand == "enable"
		if err := reg.SetEnabled(ctx, name, enabled); err != nil {
			return err
		}
		if args.JSON {
			return NewJSONResponse("tools "+args.Subcommand, toolData(reg, reg.Get(name))).Write(r.Stdout)
		}
		verb := "Disabled"
		if enabled {
			verb = "Enabled"
		}
		fmt.Fprintf(r.Stdout, "%s %s\n", SuccessStyle.Render(verb), name)
		return nil
	case "set":
		if p.PositionalCount() < 4 {
			return ErrMissingArgument("NAME VARIABLE VALUE", toolsUsage)
		}
		name, variable := p.Positional(1), p.Positional(2)
		value := strings.Join(p.PositionalFrom(3), " ")
		if err := reg.SetVariable(ctx, name, variable, value); err != nil {
			return err
		}
		if args.JSON {
			return NewJSONResponse("tools set", toolData(reg, reg.Get(name))).Write(r.Stdout)
		}
		fmt.Fprintf(r.Stdout, "%s %s.%s\n", SuccessStyle.Render("Set"), name, variable)
		return nil
	}
	return ErrUnknownSubcommand("tools", args.Subcommand, []string{"list", "enable", "disable", "set"})
}

func toolData(reg *tools.Registry, t *tools.Tool) ToolData {
	d := ToolData{
		Name:        t.Name,
		DisplayName: t.DisplayName,
		Enabled:     reg.IsEnabled(t.Name),
		Description: t.Description,
	}
	vals := reg.Variables(t.Name)
	for _, v := range t.Variables {
		if d.Variables == nil {
			d.Variables = make(map[string]string)
		}
		d.Variables[v.Name] = tools.DisplayValue(v, vals[v.Name])
	}
	return d
}

func (r *Runner) listTools(reg *tools.Registry, args Args) error {
	all := reg.All()
	data := make([]ToolData, len(all))
	for i, t := range all {
		data[i] = toolData(reg, t)
	}
	if args.JSON {
		return NewJSONResponse("tools list", data).Write(r.Stdout)
	}
	t := Table{Headers: []string{"NAME", "ENABLED", "VARIABLES", "DESCRIPTION"}}
	for i, d := range data {
		enabled := "no"
		if d.Enabled {
			enabled = "yes"
		}
		var vars []string
		for _, v := range all[i].Variables {
			vars = append(vars, v.Name+"="+d.Variables[v.Name])
		}
		t.AddRow(d.Name, enabled, strings.Join(vars, " "), d.Description)
	}
	t.Render(r.Stdout)
	return nil
}
