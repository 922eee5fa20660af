// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/alpaca-core/internal/ask"
	"github.com/jeranaias/alpaca-core/internal/config"
	"github.com/jeranaias/alpaca-core/internal/export"
	"github.com/jeranaias/alpaca-core/internal/instance"
	"github.com/jeranaias/alpaca-core/internal/pipeline"
	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	// ExitUsageError is invalid command usage or arguments.
	ExitUsageError = 2
	// ExitConfigError is an unreadable or invalid config.toml.
	ExitConfigError = 3
	// ExitAuthError is a provider rejecting the API key.
	ExitAuthError = 4
	// ExitNetworkError is an unreachable or failing provider.
	ExitNetworkError = 5
	// ExitNotFoundError is an unknown chat, instance or model.
	ExitNotFoundError = 7
	// ExitCancelled follows the shell convention for SIGINT.
	ExitCancelled = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ValidationError is invalid user input.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// ErrMissingArgument reports a required argument that was not given.
func ErrMissingArgument(argName, usage string) error {
	return &ValidationError{Field: argName, Reason: "required argument missing", Example: usage}
}

// ErrUnknownSubcommand reports a subcommand that does not exist.
func ErrUnknownSubcommand(command, sub string, valid []string) error {
	return &ValidationError{
		Field:   command + " subcommand",
		Value:   sub,
		Reason:  "unknown subcommand",
		Example: fmt.Sprintf("one of %v", valid),
	}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode maps err to an exit code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var verr *ValidationError
	var cfgErr config.ValidateErrors
	var instErr instance.ValidationErrors
	switch {
	case isCancelled(err):
		return ExitCancelled
	case errors.As(err, &verr), errors.As(err, &instErr),
		errors.Is(err, store.ErrInvalidInput), errors.Is(err, export.ErrUnknownFormat):
		return ExitUsageError
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, store.ErrNotFound), errors.Is(err, instance.ErrUnknownInstance),
		errors.Is(err, instance.ErrUnknownType):
		return ExitNotFoundError
	case errors.Is(err, instance.ErrNoSelection), errors.Is(err, ask.ErrNoInstance),
		errors.Is(err, pipeline.ErrNoModel):
		return ExitConfigError
	case provider.IsKind(err, provider.KindAuth):
		return ExitAuthError
	case provider.IsKind(err, provider.KindNetwork), errors.Is(err, context.DeadlineExceeded):
		return ExitNetworkError
	}
	return ExitGeneralError
}

// isCancelled reports a generation or command stopped by the user.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || provider.IsCancelled(err)
}

// DisplayError writes err in the human or JSON form.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		NewJSONErrorResponse(err).Write(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("Error:"), err.Error())
}
