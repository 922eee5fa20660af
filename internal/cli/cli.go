// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/app"
	"github.com/jeranaias/alpaca-core/internal/config"
)

// Version information, set at build time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is the CLI command to execute.
type Command int

const (
	// CmdList prints the chat list; it runs when no command is given.
	CmdList Command = iota
	CmdChat
	CmdExport
	CmdImport
	CmdModels
	CmdInstances
	CmdTools
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON    bool
	Quiet   bool
	Verbose bool
	Model   string

	// NewChat creates a chat with this name before the command runs.
	NewChat string
	// Ask opens the quick-ask front-end with this prompt.
	Ask    string
	hasAsk bool

	Subcommand string
	// Raw are the arguments after the command name.
	Raw []string
}

const usageText = `alpaca - chat with local and hosted language models

Usage:
  alpaca                              List chats (default)
  alpaca --new-chat NAME              Create a chat and print its id
  alpaca --ask TEXT                   Quick ask; streams to stdout when piped
  alpaca chat [CHAT_ID]               Interactive chat (new chat when omitted)
  alpaca export CHAT_ID --format FMT --out PATH
                                      Export as db, md, obsidian, json or json-meta
  alpaca import PATH                  Import chats from an exported database
  alpaca models list|pull|create|delete|search
  alpaca instances list|add|select|remove|types
  alpaca tools list|enable|disable|set
  alpaca version

Global flags:
  --json            Machine-readable output
  -q, --quiet       Only print results
  -v, --verbose     Debug logging
  -m, --model NAME  Model for chat and ask

Environment:
  ALPACA_OLLAMA_ONLY=1   Only offer the Ollama instance types
  ALPACA_TOOLS=0         Disable tool calling
  ALPACA_LOG_LEVEL       debug, info, warn or error
  ALPACA_DATA_DIR        Data directory

Version: %s
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses argv without the program name.
func Parse(argv []string) (Command, Args, error) {
	remaining, args, err := parseGlobalFlags(argv)
	if err != nil {
		return CmdHelp, args, err
	}
	if len(remaining) == 0 {
		return CmdList, args, nil
	}

	name := strings.ToLower(remaining[0])
	args.Raw = remaining[1:]
	if len(args.Raw) > 0 {
		args.Subcommand = strings.ToLower(args.Raw[0])
	}

	switch name {
	case "list", "ls":
		return CmdList, args, nil
	case "chat":
		return CmdChat, args, nil
	case "export":
		return CmdExport, args, nil
	case "import":
		return CmdImport, args, nil
	case "models", "model":
		return CmdModels, args, nil
	case "instances", "instance":
		return CmdInstances, args, nil
	case "tools", "tool":
		return CmdTools, args, nil
	case "version", "--version":
		return CmdVersion, args, nil
	case "help", "-h", "--help":
		return CmdHelp, args, nil
	}
	return CmdHelp, args, ErrUnknownSubcommand("alpaca", name,
		[]string{"list", "chat", "export", "import", "models", "instances", "tools", "version", "help"})
}

// parseGlobalFlags extracts the global flags and returns the rest.
func parseGlobalFlags(argv []string) ([]string, Args, error) {
	var args Args
	var remaining []string

	value := func(i *int, flag string) (string, error) {
		if *i+1 >= len(argv) {
			return "", ErrMissingArgument(flag, "alpaca "+flag+" VALUE")
		}
		*i++
		return argv[*i], nil
	}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		flag, inline, hasInline := strings.Cut(arg, "=")
		if !strings.HasPrefix(arg, "-") {
			hasInline = false
		}

		var err error
		switch flag {
		case "--json":
			args.JSON = true
		case "-q", "--quiet":
			args.Quiet = true
		case "-v", "--verbose":
			args.Verbose = true
		case "-m", "--model":
			if args.Model = inline; !hasInline {
				args.Model, err = value(&i, flag)
			}
		case "--new-chat":
			if args.NewChat = inline; !hasInline {
				args.NewChat, err = value(&i, flag)
			}
		case "--ask":
			args.hasAsk = true
			if args.Ask = inline; !hasInline {
				args.Ask, err = value(&i, flag)
			}
		default:
			remaining = append(remaining, arg)
		}
		if err != nil {
			return nil, args, err
		}
	}
	if args.hasAsk && strings.TrimSpace(args.Ask) == "" {
		return nil, args, ErrMissingArgument("--ask", `alpaca --ask "What is the capital of France?"`)
	}
	if args.NewChat != "" && strings.TrimSpace(args.NewChat) == "" {
		return nil, args, NewValidationError("--new-chat", args.NewChat, "name must not be blank")
	}
	return remaining, args, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Runner executes commands. Its streams are replaceable for tests.
type Runner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Config replaces config.Load.
	Config *config.Config
}

// Main runs argv with the process streams and returns the exit code.
func Main(ctx context.Context, argv []string) int {
	r := &Runner{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	return r.Run(ctx, argv)
}

// Run parses and executes argv and returns the exit code.
func (r *Runner) Run(ctx context.Context, argv []string) int {
	cmd, args, err := Parse(argv)
	if err == nil {
		err = r.Execute(ctx, cmd, args)
	}
	if err != nil {
		DisplayError(r.Stderr, err, args.JSON)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// Execute runs one parsed command.
func (r *Runner) Execute(ctx context.Context, cmd Command, args Args) (err error) {
	switch cmd {
	case CmdHelp:
		PrintUsage(r.Stdout)
		return nil
	case CmdVersion:
		return r.version(args)
	}

	if cmd != CmdChat || args.hasAsk {
		// The chat REPL stops replies on Ctrl+C and keeps running.
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
	}

	approver := &lineApprover{out: r.Stdout}
	a, err := r.open(ctx, cmd, args, approver)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()

	if args.NewChat != "" {
		if err := r.newChat(ctx, a, args); err != nil {
			return err
		}
		if !args.hasAsk && cmd == CmdList {
			return nil
		}
	}
	if args.hasAsk {
		return r.ask(ctx, a, args)
	}

	switch cmd {
	case CmdList:
		return r.listChats(ctx, a, args)
	case CmdChat:
		return r.chat(ctx, a, args, approver)
	case CmdExport:
		return r.export(ctx, a, args)
	case CmdImport:
		return r.importChats(ctx, a, args)
	case CmdModels:
		return r.models(ctx, a, args)
	case CmdInstances:
		return r.instances(ctx, a, args)
	case CmdTools:
		return r.tools(ctx, a, args)
	}
	return fmt.Errorf("unhandled command %d", cmd)
}

// open builds the application context. Only commands that generate or
// manage models start the selected instance.
func (r *Runner) open(ctx context.Context, cmd Command, args Args, approver *lineApprover) (*app.App, error) {
	cfg := r.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	}
	switch {
	case args.Verbose:
		cfg.Log.Level = "debug"
	case args.Quiet:
		cfg.Log.Level = "error"
	}

	opts := app.Options{Config: cfg}
	if cmd == CmdChat || cmd == CmdTools {
		// run_command only exists with someone to approve it.
		opts.Approver = approver
	}
	switch cmd {
	case CmdChat, CmdModels:
	case CmdInstances:
		opts.SkipRestore = args.Subcommand != "select"
	default:
		opts.SkipRestore = !args.hasAsk
	}
	return app.New(ctx, opts)
}

// =============================================================================
// VERSION
// =============================================================================

// VersionData is the JSON form of the version command.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func (r *Runner) version(args Args) error {
	if args.JSON {
		return NewJSONResponse("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}).Write(r.Stdout)
	}
	fmt.Fprintf(r.Stdout, "alpaca version %s\n", Version)
	fmt.Fprintf(r.Stdout, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(r.Stdout, "  Build date: %s\n", BuildDate)
	return nil
}
