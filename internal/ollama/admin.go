// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/jeranaias/alpaca-core/internal/cloud"
	"github.com/jeranaias/alpaca-core/internal/provider"
)

// =============================================================================
// MODEL ADMINISTRATION
// =============================================================================

// PullModel downloads name, reporting progress until the success record.
func (c *Client) PullModel(ctx context.Context, name string, onProgress provider.ProgressFunc) error {
	return c.progressCall(ctx, "/api/pull", pullRequest{Model: name, Stream: true}, onProgress)
}

// CreateModel creates a model from spec. GGUFPath must already be
// resolved into spec.Files by the caller.
func (c *Client) CreateModel(ctx context.Context, spec provider.CreateSpec, onProgress provider.ProgressFunc) error {
	return c.progressCall(ctx, "/api/create", createRequest{CreateSpec: spec, Stream: true}, onProgress)
}

func (c *Client) progressCall(ctx context.Context, path string, body any, onProgress provider.ProgressFunc) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, cloud.MaxResponseSize))
		err := cloud.StatusError(resp.StatusCode, data)
		if pe, ok := err.(*provider.Error); ok && resp.StatusCode < 500 {
			pe.Kind = provider.KindModel
		}
		return err
	}
	return readProgress(ctx, resp.Body, onProgress)
}

// DeleteModel removes an installed model.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/delete", deleteRequest{Model: name})
	if err != nil {
		return err
	}
	return c.do(c.httpClient, req, nil)
}

// blobPath accepts "sha256:<hex>", "sha256-<hex>" or a bare hex digest.
func blobPath(digest string) string {
	hex := strings.TrimPrefix(strings.TrimPrefix(digest, "sha256:"), "sha256-")
	return "/api/blobs/sha256:" + hex
}

// BlobExists reports whether the server already holds digest.
func (c *Client) BlobExists(ctx context.Context, digest string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, blobPath(digest), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, transportError(err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, cloud.StatusError(resp.StatusCode, nil)
	}
}

// UploadBlob streams size bytes from r as the blob digest.
func (c *Client) UploadBlob(ctx context.Context, digest string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+blobPath(digest), r)
	if err != nil {
		return provider.Wrap(provider.KindProtocol, "build request", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	c.log.Infow("uploading blob", "digest", digest, "size", size)
	return c.do(c.streamClient, req, nil)
}
