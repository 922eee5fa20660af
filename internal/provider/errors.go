// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// Kind categorizes provider errors for handling at the pipeline boundary.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork covers transport failures and retryable statuses (429).
	KindNetwork
	// KindProtocol covers non-2xx responses and malformed streams.
	KindProtocol
	// KindLimitation means the provider or model cannot do what was asked.
	KindLimitation
	// KindModel carries an error string reported by a pull or create stream.
	KindModel
	// KindCancelled is cooperative cancellation.
	KindCancelled
	// KindAuth covers 401 and 403.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindLimitation:
		return "limitation"
	case KindModel:
		return "model"
	case KindCancelled:
		return "cancelled"
	case KindAuth:
		return "auth"
	}
	return "unknown"
}

// Error is returned by every Client and ModelAdmin method.
type Error struct {
	Kind    Kind
	Message string
	// Status is the HTTP status when the error came from a response.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinels by kind and message so wrapped copies still match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// Sentinel errors for easy checking.
var (
	ErrCancelled        = &Error{Kind: KindCancelled, Message: "generation cancelled"}
	ErrToolsUnsupported = &Error{Kind: KindLimitation, Message: "model does not support tools"}
	ErrNotInstalled     = &Error{Kind: KindLimitation, Message: "ollama is not installed"}
)

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around cause. Context
// cancellation is always reported as KindCancelled.
func Wrap(kind Kind, message string, cause error) *Error {
	if errors.Is(cause, context.Canceled) {
		kind = KindCancelled
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or KindUnknown when err is not an Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// IsKind reports whether err is a provider error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsCancelled reports whether err stems from cooperative cancellation.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// Retryable reports whether a request that failed with err may be retried.
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Kind == KindNetwork {
		return true
	}
	return pe.Status >= 500 && pe.Status < 600
}
