// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommandRequest is what the user sees before a command runs.
type CommandRequest struct {
	Command     string
	Explanation string
	// Target is "local" or user@host:port.
	Target string
}

// Approver asks the user whether a command may run.
type Approver interface {
	Approve(ctx context.Context, req CommandRequest) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req CommandRequest) (bool, error)

// Approve calls f.
func (f ApproverFunc) Approve(ctx context.Context, req CommandRequest) (bool, error) {
	return f(ctx, req)
}

// commandMaxOutput bounds the captured output of run_command.
const commandMaxOutput = 100_000

// lookPath is exec.LookPath, replaced in tests.
var lookPath = exec.LookPath

func commandTool(approver Approver) *Tool {
	user := os.Getenv("USER")
	return &Tool{
		Name:        "run_command",
		DisplayName: "Run Command",
		Description: "Request permission to run a command in a terminal returning it's result",
		Schema: Schema{Parameters: []Parameter{
			{Name: "command", Type: "string", Required: true, Description: "The command to run and it's parameters"},
			{Name: "explanation", Type: "string", Required: true, Description: "Explain in simple words what the command will do to the system, be clear and honest"},
		}},
		Variables: []Variable{
			{Name: "ip", DisplayName: "IP Address", Type: VarString, Default: "127.0.0.1"},
			{Name: "username", DisplayName: "Username", Type: VarString, Default: user},
			{Name: "port", DisplayName: "Network Port", Type: VarInt, Default: 22, Min: 1, Max: 65535},
		},
		Executor: &commandExecutor{approver: approver},
	}
}

type commandExecutor struct {
	approver Approver
}

// Execute asks for approval, then runs the command over ssh, or locally
// when the host is the loopback address and ssh is not installed.
func (e *commandExecutor) Execute(ctx context.Context, call Call) (Result, error) {
	command := strings.TrimSpace(call.String("command"))
	if command == "" {
		return failed("No command was provided"), nil
	}
	explanation := call.String("explanation")
	if explanation == "" {
		explanation = "No explanation was provided"
	}

	host := call.String("ip")
	user := call.String("username")
	port := call.Int("port", 22)
	local := false
	if isLoopback(host) {
		_, err := lookPath("ssh")
		local = err != nil
	}

	target := "local"
	if !local {
		target = fmt.Sprintf("%s@%s:%d", user, host, port)
	}
	approved, err := e.approver.Approve(ctx, CommandRequest{Command: command, Explanation: explanation, Target: target})
	if err != nil {
		return Result{}, fmt.Errorf("approval: %w", err)
	}
	if !approved {
		return failed("The user declined to run the command"), nil
	}

	var cmd *exec.Cmd
	if local {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, "ssh", "-p", strconv.Itoa(port), user+"@"+host, "--", command)
	}
	cmd.Env = sanitizeEnvironment(os.Environ())
	cmd.WaitDelay = 2 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	text := out.String()
	truncated := false
	if len(text) > commandMaxOutput {
		text = text[:commandMaxOutput]
		truncated = true
	}
	if strings.TrimSpace(text) == "" {
		text = "(No Output)"
	}
	result := Result{Success: true, Output: "```\n" + strings.TrimRight(text, "\n") + "\n```", Truncated: truncated}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		return failed("command cancelled: " + ctx.Err().Error()), nil
	case errors.As(runErr, &exitErr):
		result.Success = false
		result.Error = "command exited with code " + strconv.Itoa(exitErr.ExitCode())
	default:
		return Result{}, runErr
	}
	return result, nil
}

func isLoopback(host string) bool {
	switch host {
	case "", "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

// sanitizeEnvironment drops variables that change how programs load or
// which shell functions they inherit.
func sanitizeEnvironment(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, found := strings.Cut(kv, "=")
		if !found || key == "" {
			continue
		}
		upper := strings.ToUpper(key)
		if strings.HasPrefix(upper, "LD_") || strings.HasPrefix(upper, "DYLD_") ||
			strings.HasPrefix(upper, "BASH_FUNC_") || upper == "BASH_ENV" || upper == "ENV" {
			continue
		}
		out = append(out, kv)
	}
	return out
}
