// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/alpaca-core/internal/logging"
)

// DefaultToolTimeout is the default timeout applied when context has no deadline.
const DefaultToolTimeout = 60 * time.Second

// DefaultMaxOutput bounds the text a tool returns to the model.
const DefaultMaxOutput = 100_000

// ValidationError represents an argument validation error.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Param + ": " + e.Message
}

// Executor runs tool calls from a registry.
type Executor struct {
	registry      *Registry
	timeout       time.Duration
	maxOutputSize int
	log           *zap.SugaredLogger
}

// ExecutorOptions configures an Executor. Zero values take defaults.
type ExecutorOptions struct {
	Timeout       time.Duration
	MaxOutputSize int
	Logger        *zap.SugaredLogger
}

// NewExecutor creates an executor over r.
func NewExecutor(r *Registry, opts ExecutorOptions) *Executor {
	e := &Executor{
		registry:      r,
		timeout:       opts.Timeout,
		maxOutputSize: opts.MaxOutputSize,
		log:           opts.Logger,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultToolTimeout
	}
	if e.maxOutputSize <= 0 {
		e.maxOutputSize = DefaultMaxOutput
	}
	if e.log == nil {
		e.log = logging.Nop()
	}
	return e
}

// Registry returns the tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs a tool call and returns the result. Failures are reported
// in the result, never as a panic or a missing value.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	start := time.Now()

	tool := e.registry.Get(call.Name)
	if tool == nil {
		return Result{Error: "unknown tool: " + call.Name, Duration: time.Since(start)}
	}
	if call.Params == nil {
		call.Params = map[string]any{}
	}
	if err := ValidateToolArgs(&tool.Schema, call.Params); err != nil {
		return Result{Error: "parameter validation failed: " + err.Error(), Duration: time.Since(start)}
	}
	call.Vars = e.registry.Variables(call.Name)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Error: fmt.Sprintf("tool panicked: %v", p)}
			}
		}()
		result, err := tool.Executor.Execute(ctx, call)
		if err != nil {
			result = Result{Error: err.Error()}
		}
		done <- result
	}()

	var result Result
	select {
	case result = <-done:
	case <-ctx.Done():
		result = Result{Error: "tool execution timed out: " + ctx.Err().Error()}
	}

	result.Duration = time.Since(start)
	if len(result.Output) > e.maxOutputSize {
		result.Output = result.Output[:e.maxOutputSize]
		result.Truncated = true
	}

	e.log.Debugw("tool executed", "tool", call.Name, "success", result.Success,
		"duration", result.Duration, "truncated", result.Truncated)
	return result
}

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// ValidateToolArgs validates arguments against a schema before execution:
// required arguments, types and enum membership.
func ValidateToolArgs(schema *Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	for _, param := range schema.Parameters {
		val, exists := args[param.Name]
		if param.Required && (!exists || val == nil) {
			return &ValidationError{Param: param.Name, Message: "missing required argument"}
		}
		if !exists || val == nil {
			continue
		}
		if err := validateArgType(param, val); err != nil {
			return err
		}
		if s, ok := val.(string); ok && len(param.Enum) > 0 && !slices.Contains(param.Enum, s) {
			return &ValidationError{Param: param.Name, Message: fmt.Sprintf("must be one of %v", param.Enum)}
		}
	}
	return nil
}

func validateArgType(param Parameter, val any) error {
	valid := true
	switch param.Type {
	case "string":
		_, valid = val.(string)
	case "integer":
		switch v := val.(type) {
		case int, int64:
		case float64:
			valid = v == float64(int64(v))
		default:
			valid = false
		}
	case "number":
		switch val.(type) {
		case int, int64, float64:
		default:
			valid = false
		}
	case "boolean":
		_, valid = val.(bool)
	case "array":
		_, valid = val.([]any)
	case "object":
		_, valid = val.(map[string]any)
	}
	if !valid {
		return &ValidationError{Param: param.Name, Message: "expected " + param.Type + " type"}
	}
	return nil
}
