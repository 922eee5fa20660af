// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/app"
	"github.com/jeranaias/alpaca-core/internal/instance"
)

const instancesUsage = `alpaca instances list
alpaca instances types
alpaca instances add TYPE [key=value ...]
alpaca instances set ID key=value ...
alpaca instances select ID
alpaca instances remove ID [--yes]`

// instances dispatches the instances subcommands.
func (r *Runner) instances(ctx context.Context, a *app.App, args Args) error {
	p := NewArgParser(args.Raw, "yes", "y")
	switch args.Subcommand {
	case "", "list", "ls":
		return r.listInstances(ctx, a, args)
	case "types":
		return r.listInstanceTypes(a, args)
	case "add":
		return r.addInstance(ctx, a, args, p)
	case "set":
		return r.setInstance(ctx, a, args, p)
	case "select", "use":
		return r.selectInstance(ctx, a, args, p)
	case "remove", "rm", "delete":
		return r.removeInstance(ctx, a, args, p)
	}
	return ErrUnknownSubcommand("instances", args.Subcommand, []string{"list", "types", "add", "set", "select", "remove"})
}

func instanceData(inst *instance.Instance, selected string) InstanceData {
	return InstanceData{
		ID:           inst.ID,
		Name:         inst.Name(),
		Type:         inst.Type(),
		URL:          inst.Props.URL,
		DefaultModel: inst.Props.DefaultModel,
		Selected:     inst.ID == selected,
		Pinned:       inst.Pinned,
	}
}

func (r *Runner) listInstances(ctx context.Context, a *app.App, args Args) error {
	sel, err := a.Instances.SelectedID(ctx)
	if err != nil {
		return err
	}
	list := a.Instances.List()
	data := make([]InstanceData, len(list))
	for i, inst := range list {
		data[i] = instanceData(inst, sel)
	}
	if args.JSON {
		return NewJSONResponse("instances list", data).Write(r.Stdout)
	}
	if len(data) == 0 {
		fmt.Fprintln(r.Stdout, DimStyle.Render(`No instances. Add one with "alpaca instances add ollama".`))
		return nil
	}
	t := Table{Headers: []string{"", "ID", "NAME", "TYPE", "DEFAULT MODEL", "URL"}, Full: []int{1}}
	for _, d := range data {
		mark := ""
		if d.Selected {
			mark = "*"
		}
		t.AddRow(mark, d.ID, d.Name, d.Type, d.DefaultModel, d.URL)
	}
	t.Render(r.Stdout)
	return nil
}

func (r *Runner) listInstanceTypes(a *app.App, args Args) error {
	types := a.Instances.Available()
	if args.JSON {
		data := make([]map[string]string, len(types))
		for i, info := range types {
			data[i] = map[string]string{"type": info.Type, "name": info.DisplayName, "description": info.Description}
		}
		return NewJSONResponse("instances types", data).Write(r.Stdout)
	}
	t := Table{Headers: []string{"TYPE", "NAME", "DESCRIPTION"}}
	for _, info := range types {
		t.AddRow(info.Type, info.DisplayName, info.Description)
	}
	t.Render(r.Stdout)
	return nil
}

func selectedID(ctx context.Context, a *app.App) string {
	id, _ := a.Instances.SelectedID(ctx)
	return id
}

// parseProperties reads key=value pairs. "overrides.KEY=value" sets one
// environment override of a managed instance.
func parseProperties(pairs []string) (map[string]any, error) {
	m := make(map[string]any)
	overrides := make(map[string]string)
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.ReplaceAll(strings.TrimSpace(k), "-", "_")
		if !ok || k == "" {
			return nil, NewValidationError("property", pair, "expected key=value")
		}
		if env, ok := strings.CutPrefix(k, instance.KeyOverrides+"."); ok {
			overrides[strings.ToUpper(env)] = v
			continue
		}
		m[k] = v
	}
	if len(overrides) > 0 {
		m[instance.KeyOverrides] = overrides
	}
	return m, nil
}

// overlay applies pairs on top of base.
func overlay(info instance.TypeInfo, dataDir string, base instance.Properties, pairs []string) (instance.Properties, error) {
	m, err := parseProperties(pairs)
	if err != nil {
		return base, err
	}
	merged := base.ToMap(info)
	known := instance.Keys(info)
	for k, v := range m {
		if !slices.Contains(known, k) {
			return base, NewValidationError("property", k, "not a setting of "+info.DisplayName)
		}
		if k == instance.KeyOverrides {
			if cur, ok := merged[k].(map[string]any); ok {
				for ek, ev := range v.(map[string]string) {
					cur[ek] = ev
				}
				continue
			}
		}
		merged[k] = v
	}
	return instance.FromMap(info, dataDir, merged), nil
}

func (r *Runner) addInstance(ctx context.Context, a *app.App, args Args, p *ArgParser) error {
	typ := p.Positional(1)
	if typ == "" {
		return ErrMissingArgument("TYPE", instancesUsage)
	}
	info, ok := instance.Lookup(typ)
	if !ok {
		return fmt.Errorf("%w: %s", instance.ErrUnknownType, typ)
	}
	props, err := a.Instances.NewProperties(ctx, typ)
	if err != nil {
		return err
	}
	if props, err = overlay(info, a.Dirs.Data, props, p.PositionalFrom(2)); err != nil {
		return err
	}
	inst, err := a.Instances.Create(ctx, typ, props)
	if inst == nil {
		return err
	}
	if args.JSON {
		if jerr := NewJSONResponse("instances add", instanceData(inst, selectedID(ctx, a))).Write(r.Stdout); jerr != nil {
			return jerr
		}
	} else {
		fmt.Fprintf(r.Stdout, "%s %s (%s)\n", SuccessStyle.Render("Added"), inst.Name(), inst.ID)
	}
	// A saved instance that fails to start is still added.
	return err
}

func (r *Runner) setInstance(ctx context.Context, a *app.App, args Args, p *ArgParser) error {
	id := p.Positional(1)
	if id == "" || p.PositionalCount() < 3 {
		return ErrMissingArgument("ID key=value", instancesUsage)
	}
	old, err := a.Instances.Get(id)
	if err != nil {
		return err
	}
	props, err := overlay(old.Info, a.Dirs.Data, old.Props, p.PositionalFrom(2))
	if err != nil {
		return err
	}
	inst, err := a.Instances.Update(ctx, id, props)
	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("instances set", instanceData(inst, selectedID(ctx, a))).Write(r.Stdout)
	}
	fmt.Fprintf(r.Stdout, "%s %s\n", SuccessStyle.Render("Updated"), inst.Name())
	return nil
}

func (r *Runner) selectInstance(ctx context.Context, a *app.App, args Args, p *ArgParser) error {
	id := p.Positional(1)
	if id == "" {
		return ErrMissingArgument("ID", instancesUsage)
	}
	if err := a.Instances.ReplaceSelected(ctx, id); err != nil {
		return err
	}
	inst := a.Instances.Selected()
	if args.JSON {
		return NewJSONResponse("instances select", instanceData(inst, inst.ID)).Write(r.Stdout)
	}
	fmt.Fprintf(r.Stdout, "%s %s\n", SuccessStyle.Render("Selected"), inst.Name())
	return nil
}

func (r *Runner) removeInstance(ctx context.Context, a *app.App, args Args, p *ArgParser) error {
	id := p.Positional(1)
	if id == "" {
		return ErrMissingArgument("ID", instancesUsage)
	}
	inst, err := a.Instances.Get(id)
	if err != nil {
		return err
	}
	ok, err := r.confirm(p, args.JSON, fmt.Sprintf("remove instance %q", inst.Name()))
	if err != nil {
		return err
	}
	if !ok {
		r.cancelled()
		return nil
	}
	if err := a.Instances.Delete(ctx, id); err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("instances remove", map[string]string{"id": id}).Write(r.Stdout)
	}
	fmt.Fprintf(r.Stdout, "%s %s\n", SuccessStyle.Render("Removed"), inst.Name())
	return nil
}
