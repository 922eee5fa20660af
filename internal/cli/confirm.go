// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
)

// errConfirmRequired is returned when a destructive action cannot prompt.
var errConfirmRequired = errors.New("confirmation required: pass --yes")

// confirm asks before a destructive action.
//
//  1. --yes proceeds without prompting
//  2. --json never prompts and requires --yes
//  3. a stdin that is not a terminal cannot prompt and requires --yes
//  4. otherwise the user answers y or n
func (r *Runner) confirm(args *ArgParser, jsonMode bool, action string) (bool, error) {
	if args.BoolFlag("yes", "y") {
		return true, nil
	}
	if jsonMode || !IsTTY() {
		return false, errConfirmRequired
	}

	fmt.Fprintf(r.Stdout, "Are you sure you want to %s? [y/N]: ", action)
	line, err := bufio.NewReader(r.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// cancelled reports a declined confirmation.
func (r *Runner) cancelled() {
	fmt.Fprintln(r.Stdout, DimStyle.Render("Cancelled."))
}
