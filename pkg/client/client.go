// Package client is the HTTP transport for talking to a replication
// server: binary-framed request/response calls plus a reconnecting
// listener for the live event stream.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftsync/driftsync/pkg/protocol"
)

const (
	contentTypeWire = "application/cbor"

	// maxResponseBytes bounds response bodies; a pull of 1000 full entries
	// stays far below it.
	maxResponseBytes = 64 << 20
)

// Config controls the client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string

	// Token is the bearer token sent on authenticated calls.
	Token string

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration

	// HTTPClient overrides the underlying client; mainly for tests.
	HTTPClient *http.Client
}

// Client calls the server's replication endpoints.
type Client struct {
	config Config
	http   *http.Client
}

// New creates a client.
func New(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{config: config, http: httpClient}
}

// Handshake performs the session handshake.
func (c *Client) Handshake(ctx context.Context, req protocol.HandshakeRequest) (protocol.HandshakeResponse, error) {
	body, err := req.Encode()
	if err != nil {
		return protocol.HandshakeResponse{}, fmt.Errorf("client: encode handshake: %w", err)
	}
	data, err := c.post(ctx, "/v1/handshake", body)
	if err != nil {
		return protocol.HandshakeResponse{}, err
	}
	resp, err := protocol.DecodeHandshakeResponse(data)
	if err != nil {
		return protocol.HandshakeResponse{}, protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error())
	}
	return resp, nil
}

// Pull fetches a page of oplog entries.
func (c *Client) Pull(ctx context.Context, req protocol.PullRequest) (protocol.PullResponse, error) {
	body, err := req.Encode()
	if err != nil {
		return protocol.PullResponse{}, fmt.Errorf("client: encode pull: %w", err)
	}
	data, err := c.post(ctx, "/v1/pull", body)
	if err != nil {
		return protocol.PullResponse{}, err
	}
	resp, err := protocol.DecodePullResponse(data)
	if err != nil {
		return protocol.PullResponse{}, protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error())
	}
	return resp, nil
}

// Push submits a batch of operations.
func (c *Client) Push(ctx context.Context, req protocol.PushRequest) (protocol.PushResponse, error) {
	body, err := req.Encode()
	if err != nil {
		return protocol.PushResponse{}, fmt.Errorf("client: encode push: %w", err)
	}
	data, err := c.post(ctx, "/v1/push", body)
	if err != nil {
		return protocol.PushResponse{}, err
	}
	resp, err := protocol.DecodePushResponse(data)
	if err != nil {
		return protocol.PushResponse{}, protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error())
	}
	return resp, nil
}

// post sends one framed request and returns the response body, translating
// transport and HTTP failures into typed sync errors.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error())
	}
	req.Header.Set("Content-Type", contentTypeWire)
	req.Header.Set("Accept", contentTypeWire)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, data)
	}
	return data, nil
}

func classifyTransportError(err error) *protocol.SyncError {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.NewSyncError(protocol.CodeTimeout, err.Error())
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.NewSyncError(protocol.CodeTimeout, err.Error())
	}
	return protocol.NewSyncError(protocol.CodeNetworkError, err.Error())
}

// classifyStatus prefers the server's typed error frame; the status code is
// the fallback for proxies and panics that produced bare responses.
func classifyStatus(status int, body []byte) *protocol.SyncError {
	if frame, err := protocol.DecodeErrorResponse(body); err == nil {
		return frame.Err()
	}

	msg := fmt.Sprintf("server returned status %d", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return protocol.NewSyncError(protocol.CodeAuthenticationFailed, msg)
	case status == http.StatusTooManyRequests:
		return protocol.NewSyncError(protocol.CodeRateLimited, msg)
	case status == http.StatusGone:
		return protocol.NewSyncError(protocol.CodeStateLost, msg)
	case status >= 500:
		return protocol.NewSyncError(protocol.CodeInternal, msg)
	case status >= 400:
		return protocol.NewSyncError(protocol.CodeInvalidRequest, msg)
	default:
		return protocol.NewSyncError(protocol.CodeNetworkError, msg)
	}
}
