// Package ctl implements the client side of the ingest API for the
// ingestctl command line tool.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the ingest API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for the given API base URL.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// PresignResponse mirrors POST /v1/uploads/presign.
type PresignResponse struct {
	SessionID string            `json:"session_id"`
	Provider  string            `json:"provider"`
	UploadURL string            `json:"upload_url"`
	Headers   map[string]string `json:"headers"`
	ExpiresIn int               `json:"expires_in_seconds"`
}

// Artifact mirrors the artifact object returned by finalize.
type Artifact struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Provider  string `json:"provider"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Operation mirrors GET /v1/operations/{id}.
type Operation struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result"`
	Warnings  []Warning      `json:"warnings"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Warning mirrors an operation warning.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the operation has finished.
func (o *Operation) Terminal() bool {
	return o.Status == "SUCCEEDED" || o.Status == "FAILED"
}

func (c *Client) postJSON(ctx context.Context, path string, body, dest any, headers map[string]string) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.do(req, dest)
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		var problem struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &problem) == nil && problem.Detail != "" {
			return fmt.Errorf("%s %s: %s (%d)", req.Method, req.URL.Path, problem.Detail, res.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, res.StatusCode)
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// Presign requests an upload credential.
func (c *Client) Presign(ctx context.Context, filename, contentType string, sizeBytes int64) (*PresignResponse, error) {
	var out PresignResponse
	err := c.postJSON(ctx, "/v1/uploads/presign", map[string]any{
		"filename":     filename,
		"content_type": contentType,
		"size_bytes":   sizeBytes,
	}, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Finalize verifies an uploaded object.
func (c *Client) Finalize(ctx context.Context, sessionID string, sizeBytes int64, sha256Hex string) (*Artifact, error) {
	var out struct {
		Artifact Artifact `json:"artifact"`
	}
	err := c.postJSON(ctx, "/v1/uploads/finalize", map[string]any{
		"session_id": sessionID,
		"size_bytes": sizeBytes,
		"sha256":     sha256Hex,
	}, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out.Artifact, nil
}

// Put streams the payload to the presigned URL with the provider headers.
func (c *Client) Put(ctx context.Context, presign *PresignResponse, contentType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presign.UploadURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range presign.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(payload))

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode >= 300 {
		return fmt.Errorf("upload to %s: unexpected status %d", presign.Provider, res.StatusCode)
	}
	return nil
}

// GetOperation fetches an operation by id.
func (c *Client) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var out Operation
	if err := c.getJSON(ctx, "/v1/operations/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitOperation polls until the operation reaches a terminal status.
func (c *Client) WaitOperation(ctx context.Context, id string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := c.GetOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Terminal() {
			return op, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
