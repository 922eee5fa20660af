// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/alpaca-core/internal/cloud"
	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/provider"
)

// DefaultURL is where a stock Ollama server listens.
const DefaultURL = "http://127.0.0.1:11434"

// =============================================================================
// CONFIGURATION
// =============================================================================

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL of the server, without the /api suffix.
	BaseURL string

	// APIKey is sent as a bearer token to remote servers behind a proxy.
	APIKey string

	// AllowSelfSigned disables certificate verification.
	AllowSelfSigned bool

	// Timeout for non-streaming requests (default: 30s). Streaming and
	// model administration are bounded only by their context.
	Timeout time.Duration

	// RetryDelay is the first backoff step of tool-selection calls.
	RetryDelay time.Duration

	Logger *zap.SugaredLogger
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with one Ollama server. It is safe for
// concurrent use.
type Client struct {
	opts         ClientConfig
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	compat       *cloud.Client
	log          *zap.SugaredLogger
}

var (
	_ provider.Client     = (*Client)(nil)
	_ provider.ModelAdmin = (*Client)(nil)
)

// New creates a client, filling zero options with defaults.
func New(opts ClientConfig) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")

	transport := http.DefaultTransport
	if opts.AllowSelfSigned {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true} //nolint:gosec // user opt-in per instance
		transport = t
	}

	return &Client{
		opts:         opts,
		baseURL:      base,
		httpClient:   &http.Client{Transport: transport, Timeout: opts.Timeout},
		streamClient: &http.Client{Transport: transport},
		compat: cloud.New(cloud.Options{
			BaseURL:         base + "/v1",
			APIKey:          opts.APIKey,
			AllowSelfSigned: opts.AllowSelfSigned,
			RetryDelay:      opts.RetryDelay,
			Logger:          log,
		}),
		log: log.With("component", "ollama-client", "base_url", base),
	}
}

// BaseURL returns the server URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, provider.Wrap(provider.KindProtocol, "encode request", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, provider.Wrap(provider.KindProtocol, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	return req, nil
}

// do sends req with client hc and decodes a 2xx JSON body into out.
func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer drainAndClose(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, cloud.MaxResponseSize))
	if err != nil {
		return transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cloud.StatusError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return provider.Wrap(provider.KindProtocol, "decode response", err)
	}
	return nil
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return provider.Wrap(provider.KindCancelled, "request cancelled", err)
	}
	return provider.Wrap(provider.KindNetwork, "ollama unreachable", err)
}

// drainAndClose drains and closes a response body so the connection can be
// reused.
func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(r, 64*1024))
	r.Close()
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// Ping reports whether the server answers GET / with 200.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	return c.do(c.httpClient, req, nil)
}

// =============================================================================
// MODELS
// =============================================================================

// ListModels returns installed models sorted by name.
func (c *Client) ListModels(ctx context.Context) ([]provider.ModelSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	var tags TagsResponse
	if err := c.do(c.httpClient, req, &tags); err != nil {
		return nil, err
	}
	out := make([]provider.ModelSummary, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		out = append(out, provider.ModelSummary{Name: name, Size: m.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetModelInfo maps /api/show into a ModelInfo.
func (c *Client) GetModelInfo(ctx context.Context, name string) (*provider.ModelInfo, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/show", showRequest{Model: name})
	if err != nil {
		return nil, err
	}
	var show ShowResponse
	if err := c.do(c.httpClient, req, &show); err != nil {
		return nil, err
	}
	extra := map[string]any{}
	if show.ModelInfo != nil {
		extra["model_info"] = show.ModelInfo
	}
	if show.Template != "" {
		extra["template"] = show.Template
	}
	if show.Parameters != "" {
		extra["parameters"] = show.Parameters
	}
	if show.Details.QuantizationLevel != "" {
		extra["quantization_level"] = show.Details.QuantizationLevel
	}
	return &provider.ModelInfo{
		ParameterSize: show.Details.ParameterSize,
		Family:        show.Details.Family,
		ParentModel:   show.Details.ParentModel,
		Capabilities:  show.Capabilities,
		System:        show.System,
		Extra:         extra,
	}, nil
}

// =============================================================================
// CHAT
// =============================================================================

// BuildChatRequest converts params into a native request. Tools are not
// forwarded: the native endpoint has no tool_choice, and the streaming
// phase after tool selection must not call tools again.
func BuildChatRequest(params provider.ChatParams, stream bool) *ChatRequest {
	req := &ChatRequest{
		Model:     params.Model,
		Messages:  make([]Message, 0, len(params.Messages)),
		Stream:    stream,
		KeepAlive: params.KeepAlive,
		Think:     params.Think,
	}
	opts := &Options{NumCtx: params.NumCtx}
	if params.MaxTokens > 0 {
		opts.NumPredict = params.MaxTokens
	}
	if params.OverrideParameters {
		t := params.Temperature
		opts.Temperature = &t
		opts.Seed = params.Seed
	}
	if *opts != (Options{}) {
		req.Options = opts
	}

	names := map[string]string{}
	for _, m := range params.Messages {
		msg := Message{Role: m.Role, Content: m.Text, Images: m.Images}
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Name
			args := tc.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{Function: ToolFunction{Name: tc.Name, Arguments: args}})
		}
		if m.Role == provider.RoleTool {
			msg.ToolName = names[m.ToolCallID]
		}
		req.Messages = append(req.Messages, msg)
	}
	return req
}

// StreamChat streams a native chat. Thinking deltas go to Chunk.Thinking;
// the final record becomes Completion.Raw.
func (c *Client) StreamChat(ctx context.Context, params provider.ChatParams, onChunk provider.ChunkFunc) (*provider.Completion, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", BuildChatRequest(params, true))
	if err != nil {
		return &provider.Completion{}, err
	}
	c.log.Debugw("stream request", "model", params.Model, "messages", len(params.Messages))

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return &provider.Completion{}, transportError(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, cloud.MaxResponseSize))
		return &provider.Completion{}, cloud.StatusError(resp.StatusCode, body)
	}
	return NewStreamReader(resp.Body).Process(ctx, onChunk)
}

// Complete performs a blocking completion through the OpenAI-compatible
// path, which assigns tool call ids.
func (c *Client) Complete(ctx context.Context, params provider.ChatParams) (*provider.Completion, error) {
	return c.compat.Complete(ctx, params)
}

// CompleteStructured sends a native non-streaming request with format set
// to schema and returns the message content.
func (c *Client) CompleteStructured(ctx context.Context, params provider.ChatParams, _ string, schema json.RawMessage) (string, error) {
	body := BuildChatRequest(params, false)
	body.Format = schema
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", body)
	if err != nil {
		return "", err
	}
	var rec ChatRecord
	if err := c.do(c.streamClient, req, &rec); err != nil {
		return "", err
	}
	if rec.Error != "" {
		return "", provider.Errorf(provider.KindProtocol, "%s", rec.Error)
	}
	return rec.Message.Content, nil
}
