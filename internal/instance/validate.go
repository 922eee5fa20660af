// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package instance

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Bounds enforced when an instance is saved.
const (
	MinPort        = 1024
	MaxPort        = 65535
	MinMaxTokens   = 50
	MaxMaxTokens   = 16384
	MinTemperature = 0.01
	MaxTemperature = 2.0
	MaxSeed        = 99_999_999
	MinNumCtx      = 1024
	MaxNumCtx      = 131072
	NumCtxStep     = 1024

	defaultOllamaPort = 11434
)

// ValidationError is one rejected property.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is every problem found in one save.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// NormalizeURL adds an http:// scheme when none is given and trims any
// trailing slash.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return u
	}
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}

// Port returns the port of a managed instance URL, defaulting to 11434.
func Port(rawURL string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	if u.Port() == "" {
		return defaultOllamaPort, nil
	}
	return strconv.Atoi(u.Port())
}

// Validate normalizes p in place and reports every value outside its
// domain. Only keys the type recognizes are checked.
func Validate(info TypeInfo, p *Properties) error {
	var errs ValidationErrors
	keys := make(map[string]bool)
	for _, k := range Keys(info) {
		keys[k] = true
	}

	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = DefaultName
	}
	p.API = strings.TrimSpace(p.API)

	if info.EditableURL {
		p.URL = NormalizeURL(p.URL)
		if p.URL == "" {
			errs = append(errs, ValidationError{Field: KeyURL, Message: "url is required"})
		} else if u, err := url.Parse(p.URL); err != nil || u.Host == "" {
			errs = append(errs, ValidationError{Field: KeyURL, Message: fmt.Sprintf("invalid url %q", p.URL)})
		} else if info.Managed() {
			port, err := Port(p.URL)
			if err != nil || port < MinPort || port > MaxPort {
				errs = append(errs, ValidationError{
					Field:   "port",
					Message: fmt.Sprintf("port must be between %d and %d", MinPort, MaxPort),
				})
			}
		}
	} else {
		p.URL = info.DefaultURL
	}

	if keys[KeyMaxTokens] && p.MaxTokens != 0 && (p.MaxTokens < MinMaxTokens || p.MaxTokens > MaxMaxTokens) {
		errs = append(errs, ValidationError{
			Field:   KeyMaxTokens,
			Message: fmt.Sprintf("must be between %d and %d, or unset", MinMaxTokens, MaxMaxTokens),
		})
	}
	if keys[KeyTemperature] && (p.Temperature < MinTemperature || p.Temperature > MaxTemperature) {
		errs = append(errs, ValidationError{
			Field:   KeyTemperature,
			Message: fmt.Sprintf("must be between %.2f and %.1f", MinTemperature, MaxTemperature),
		})
	}
	if keys[KeySeed] && (p.Seed < 0 || p.Seed > MaxSeed) {
		errs = append(errs, ValidationError{
			Field:   KeySeed,
			Message: fmt.Sprintf("must be between 0 and %d", MaxSeed),
		})
	}
	if keys[KeyNumCtx] && (p.NumCtx < MinNumCtx || p.NumCtx > MaxNumCtx || p.NumCtx%NumCtxStep != 0) {
		errs = append(errs, ValidationError{
			Field:   KeyNumCtx,
			Message: fmt.Sprintf("must be a multiple of %d between %d and %d", NumCtxStep, MinNumCtx, MaxNumCtx),
		})
	}
	if keys[KeyKeepAlive] && p.KeepAlive < -1 {
		errs = append(errs, ValidationError{Field: KeyKeepAlive, Message: "must be -1, 0 or a positive number of seconds"})
	}
	if keys[KeyShareName] && (p.ShareName < 0 || p.ShareName > 2) {
		errs = append(errs, ValidationError{Field: KeyShareName, Message: "must be 0 (off), 1 (login) or 2 (full name)"})
	}
	if info.Managed() && strings.TrimSpace(p.ModelDirectory) == "" {
		errs = append(errs, ValidationError{Field: KeyModelDirectory, Message: "model directory is required"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
