// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// Invocation records one executed call.
type Invocation struct {
	ID        string
	Name      string
	Arguments map[string]any
	Output    string
}

// Selection is the outcome of the tool-selection round.
type Selection struct {
	// Messages continue the conversation: the assistant turn carrying the
	// calls, then one tool message per call.
	Messages []provider.Message

	// Attachments belong to the reply: one tool attachment per resolved
	// call plus any the tools produced.
	Attachments []store.Attachment

	Used []Invocation

	tools []provider.Tool
}

// Apply returns the parameters of the streaming phase: the selection
// messages appended, tools still listed, tool_choice "none".
func (s *Selection) Apply(params provider.ChatParams) provider.ChatParams {
	msgs := make([]provider.Message, 0, len(params.Messages)+len(s.Messages))
	msgs = append(msgs, params.Messages...)
	msgs = append(msgs, s.Messages...)
	params.Messages = msgs
	params.Tools = s.tools
	if len(s.tools) > 0 {
		params.ToolChoice = provider.ToolChoiceNone
	}
	return params
}

// Select runs the selection round: it offers every enabled tool to the
// model, executes the calls it returns and collects their results.
// capable reports whether the model supports tools; when false Select
// returns provider.ErrToolsUnsupported without a request.
func (e *Executor) Select(ctx context.Context, client provider.Client, params provider.ChatParams, capable bool) (*Selection, error) {
	return e.selectFrom(ctx, client, params, capable, e.registry.Schemas(), e.registry.IsEnabled)
}

// SelectOnly runs the selection round offering just the named tool. The
// tool is offered even when it is disabled.
func (e *Executor) SelectOnly(ctx context.Context, client provider.Client, params provider.ChatParams, capable bool, name string) (*Selection, error) {
	tool := e.registry.Get(name)
	if tool == nil {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	only := func(n string) bool { return n == name }
	return e.selectFrom(ctx, client, params, capable, []provider.Tool{tool.Provider()}, only)
}

func (e *Executor) selectFrom(ctx context.Context, client provider.Client, params provider.ChatParams, capable bool, offered []provider.Tool, allowed func(string) bool) (*Selection, error) {
	if !capable {
		return nil, provider.ErrToolsUnsupported
	}
	sel := &Selection{tools: offered}
	if len(sel.tools) == 0 {
		return sel, nil
	}

	params.Tools = sel.tools
	params.ToolChoice = provider.ToolChoiceAuto
	completion, err := client.Complete(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("select tools: %w", err)
	}
	if len(completion.ToolCalls) == 0 {
		return sel, nil
	}

	sel.Messages = append(sel.Messages, provider.Message{
		Role:      provider.RoleAssistant,
		Text:      completion.Content,
		ToolCalls: completion.ToolCalls,
	})
	for _, tc := range completion.ToolCalls {
		args := decodeArguments(tc.Arguments)
		inv := Invocation{ID: tc.ID, Name: tc.Name, Arguments: args}

		if tool := e.registry.Get(tc.Name); tool != nil && allowed(tc.Name) {
			e.log.Infow("running tool", "tool", tc.Name)
			res := e.Execute(ctx, Call{Name: tc.Name, Params: args, History: params.Messages})
			inv.Output = res.Text()
			sel.Attachments = append(sel.Attachments, store.Attachment{
				Kind:    store.KindTool,
				Name:    tool.Title(),
				Content: AttachmentMarkdown(args, inv.Output),
			})
			sel.Attachments = append(sel.Attachments, res.Attachments...)
		} else {
			e.log.Warnw("model called an unavailable tool", "tool", tc.Name)
		}

		sel.Used = append(sel.Used, inv)
		sel.Messages = append(sel.Messages, provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: tc.ID,
			Text:       inv.Output,
		})
	}
	return sel, nil
}

func decodeArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	// Some providers send the arguments as a JSON string.
	var encoded string
	if json.Unmarshal(raw, &encoded) == nil {
		raw = json.RawMessage(encoded)
	}
	_ = json.Unmarshal(raw, &args)
	return args
}

// AttachmentMarkdown renders the content of a tool attachment: an
// arguments table when there are arguments, then the result.
func AttachmentMarkdown(args map[string]any, result string) string {
	var lines []string
	if len(args) > 0 {
		lines = append(lines, "## Arguments", "", "| Argument | Value |", "| --- | --- |")
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("| %s | %v |", k, args[k]))
		}
		lines = append(lines, "")
	}
	lines = append(lines, "## Result", "", result)
	return strings.Join(lines, "\n")
}
