// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/provider"
)

// Configuration constants.
const (
	// DefaultTimeout applies to non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of attempts for blocking requests.
	DefaultMaxRetries = 3

	// MaxResponseSize bounds a non-streaming response body.
	MaxResponseSize = 10 * 1024 * 1024

	defaultUserAgent = "alpaca-core"
)

var (
	// sharedTransport pools connections for every client that does not
	// need a custom TLS setup.
	sharedTransport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}

	// insecureTransport is used by instances that allow self-signed certs.
	insecureTransport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, //nolint:gosec // user opt-in per instance
	}
)

// Options configures a Client.
type Options struct {
	// BaseURL is the chat-completions base, e.g. "https://api.openai.com/v1/".
	BaseURL string

	APIKey string

	// Limitations alter request assembly.
	Limitations provider.Limitations

	// Listing selects how ListModels reads the catalog.
	Listing Listing

	// ListURL overrides the catalog endpoint. Defaults to BaseURL + "models".
	ListURL string

	// Timeout for non-streaming requests. Streaming requests are bounded
	// only by their context.
	Timeout time.Duration

	MaxRetries int

	// RetryDelay is the first backoff step; it doubles per attempt.
	RetryDelay time.Duration

	// AllowSelfSigned disables certificate verification.
	AllowSelfSigned bool

	UserAgent string

	Logger *zap.SugaredLogger
}

// Client talks to one OpenAI-compatible endpoint. It is safe for
// concurrent use.
type Client struct {
	opts         Options
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	log          *zap.SugaredLogger
}

// New builds a Client, filling zero options with defaults.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	opts.APIKey = strings.TrimSpace(opts.APIKey)
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	transport := sharedTransport
	if opts.AllowSelfSigned {
		transport = insecureTransport
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/") + "/"

	return &Client{
		opts:         opts,
		baseURL:      base,
		httpClient:   &http.Client{Transport: transport, Timeout: opts.Timeout},
		streamClient: &http.Client{Transport: transport},
		log:          log.With("component", "cloud", "base_url", base, "key", logging.Redact(opts.APIKey)),
	}
}

// BaseURL returns the normalized base URL with a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Limitations returns the request limitations of this client.
func (c *Client) Limitations() provider.Limitations {
	return c.opts.Limitations
}

var _ provider.Client = (*Client)(nil)

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func (c *Client) setHeaders(req *http.Request) {
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
}

func (c *Client) newJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, provider.Wrap(provider.KindProtocol, "encode request", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, provider.Wrap(provider.KindProtocol, "build request", err)
	}
	c.setHeaders(req)
	return req, nil
}

// doWithRetry sends req and returns the body of a 2xx response. Network
// errors, 429 and 5xx responses are retried with exponential backoff.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.opts.RetryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, provider.Wrap(provider.KindCancelled, "request cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}

		body, err := c.doOnce(req.Clone(ctx))
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !provider.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		c.log.Debugw("retrying request", "path", req.URL.Path, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Client) doOnce(req *http.Request) ([]byte, error) {
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, provider.Wrap(provider.KindProtocol, "rewind request body", err)
		}
		req.Body = body
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	c.log.Debugw("response", "method", req.Method, "path", req.URL.Path,
		"status", resp.StatusCode, "duration", time.Since(start))

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(resp.StatusCode, body)
	}
	return body, nil
}

// readResponse reads a body up to MaxResponseSize.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, transportError(err)
	}
	if len(body) > MaxResponseSize {
		return nil, provider.Errorf(provider.KindProtocol, "response exceeded %d bytes", MaxResponseSize)
	}
	return body, nil
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return provider.Wrap(provider.KindCancelled, "request cancelled", err)
	}
	return provider.Wrap(provider.KindNetwork, "request failed", err)
}

// StatusError converts a non-2xx response into a provider error, pulling
// the message out of the common error envelopes.
func StatusError(status int, body []byte) error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	kind := provider.KindProtocol
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = provider.KindAuth
	case status == http.StatusNotFound:
		kind = provider.KindModel
	case status == http.StatusTooManyRequests:
		kind = provider.KindNetwork
	}
	return &provider.Error{Kind: kind, Message: msg, Status: status}
}

func errorMessage(body []byte) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &flat) == nil {
		if flat.Error != "" {
			return flat.Error
		}
		if flat.Message != "" {
			return flat.Message
		}
	}
	// Gemini wraps errors in a one-element array.
	var list []struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &list) == nil && len(list) > 0 {
		return list[0].Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// =============================================================================
// CHAT
// =============================================================================

// Complete performs a blocking chat completion.
func (c *Client) Complete(ctx context.Context, params provider.ChatParams) (*provider.Completion, error) {
	return c.complete(ctx, BuildRequest(params, c.opts.Limitations, false))
}

// CompleteStructured requests a reply matching schema and returns its
// JSON text.
func (c *Client) CompleteStructured(ctx context.Context, params provider.ChatParams, name string, schema json.RawMessage) (string, error) {
	body := BuildRequest(params, c.opts.Limitations, false)
	body.ResponseFormat = &ResponseFormat{
		Type:       "json_schema",
		JSONSchema: &JSONSchema{Name: name, Schema: schema, Strict: true},
	}
	completion, err := c.complete(ctx, body)
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

func (c *Client) complete(ctx context.Context, body *ChatRequest) (*provider.Completion, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.baseURL+"chat/completions", body)
	if err != nil {
		return nil, err
	}
	data, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, provider.Wrap(provider.KindProtocol, "decode completion", err)
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return nil, provider.Errorf(provider.KindProtocol, "%s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.Errorf(provider.KindProtocol, "completion has no choices")
	}

	choice := resp.Choices[0]
	out := &provider.Completion{
		Model:        resp.Model,
		Content:      choice.Message.textContent(),
		Thinking:     choice.Message.reasoning(),
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
		Raw:          json.RawMessage(data),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

// normalizeArguments returns the tool arguments as a JSON object, turning
// an empty string into "{}".
func normalizeArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

// GetModelInfo returns details for Gemini models; other providers expose
// no info endpoint and yield an empty record.
func (c *Client) GetModelInfo(ctx context.Context, name string) (*provider.ModelInfo, error) {
	if c.opts.Listing != ListingGemini {
		return &provider.ModelInfo{}, nil
	}
	url := fmt.Sprintf("%s/%s?key=%s", strings.TrimRight(c.listURL(), "/"), name, c.opts.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, provider.Wrap(provider.KindProtocol, "build request", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	data, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	extra := map[string]any{}
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, provider.Wrap(provider.KindProtocol, "decode model info", err)
	}
	return &provider.ModelInfo{
		Capabilities: []string{provider.CapCompletion, provider.CapVision},
		Extra:        extra,
	}, nil
}
