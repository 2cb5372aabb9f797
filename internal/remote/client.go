// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Configuration constants for the chat-server API.
const (
	// ProtocolVersion is the wire protocol revision this client speaks.
	ProtocolVersion = 1

	// DefaultHandshakeTimeout bounds the connect handshake round trip.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultProbeTimeout bounds a single health liveness probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultRequestTimeout bounds ordinary request/response calls.
	DefaultRequestTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// Prevents memory exhaustion from a misbehaving server.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

var (
	// Shared HTTP client with connection pooling for request/response
	// calls. TLS 1.2 minimum.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultRequestTimeout,
	}

	// sharedStreamingClient is used for SSE requests. No client timeout;
	// lifetime is controlled by the caller's context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// HandshakeResult is the server's answer to a successful handshake.
type HandshakeResult struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion int    `json:"protocol_version"`
	SupportsResume  bool   `json:"supports_resume"`
}

// handshakeRequest identifies the client during connect.
type handshakeRequest struct {
	Client          string `json:"client"`
	ProtocolVersion int    `json:"protocol_version"`
}

// createSessionRequest opens a conversation thread on the server.
type createSessionRequest struct {
	Title string `json:"title"`
}

// createSessionResponse carries the server-side session handle.
type createSessionResponse struct {
	ID string `json:"id"`
}

// sendMessageRequest submits a user prompt to a session.
type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendResult identifies the assistant turn the server will stream back.
type SendResult struct {
	MessageID string `json:"message_id"`
}

// apiErrorResponse is the server's error envelope.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to one remote chat-server endpoint over HTTP and SSE.
//
// The credential is held in memory for the lifetime of the client and is
// never logged; diagnostics use a SHA-256 fingerprint instead.
type Client struct {
	baseURL    string
	credential string
	log        zerolog.Logger

	handshakeTimeout time.Duration
	probeTimeout     time.Duration
}

// NewClient creates a client for the given endpoint. The credential is
// the raw secret resolved from the keyring by the caller.
func NewClient(baseURL, credential string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		credential:       strings.TrimSpace(credential),
		log:              log.With().Str("component", "remote").Logger(),
		handshakeTimeout: DefaultHandshakeTimeout,
		probeTimeout:     DefaultProbeTimeout,
	}
}

// WithHandshakeTimeout overrides the handshake bound.
func (c *Client) WithHandshakeTimeout(d time.Duration) *Client {
	c.handshakeTimeout = d
	return c
}

// WithProbeTimeout overrides the liveness probe bound.
func (c *Client) WithProbeTimeout(d time.Duration) *Client {
	c.probeTimeout = d
	return c
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CredentialFingerprint returns a short SHA-256 fingerprint of the
// credential for logging. Never exposes any part of the secret itself.
func (c *Client) CredentialFingerprint() string {
	if c.credential == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.credential))
	return hex.EncodeToString(h[:4])
}

// =============================================================================
// HANDSHAKE AND LIVENESS
// =============================================================================

// Handshake validates the credential and probes reachability in one
// bounded round trip. A protocol mismatch is reported as
// ErrIncompatibleServer, which is non-retryable.
func (c *Client) Handshake(ctx context.Context) (*HandshakeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	body, err := c.postJSON(ctx, "/v1/handshake", handshakeRequest{
		Client:          "skiff",
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		return nil, err
	}

	var result HandshakeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, newError(KindProtocol, 0, "", "malformed handshake response", err)
	}

	if result.ProtocolVersion != ProtocolVersion {
		return nil, newError(KindAuth, 0, "incompatible_protocol",
			fmt.Sprintf("server speaks protocol %d, client speaks %d", result.ProtocolVersion, ProtocolVersion),
			ErrIncompatibleServer)
	}

	c.log.Debug().
		Str("server_version", result.ServerVersion).
		Str("credential_fp", c.CredentialFingerprint()).
		Msg("handshake succeeded")

	return &result, nil
}

// Ping performs a lightweight liveness probe with a bounded timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return newError(KindNetwork, 0, "", "failed to create probe request", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		body := []byte(resp.Status)
		return c.handleErrorResponse(resp.StatusCode, body)
	}
	return nil
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// CreateSession opens a conversation thread on the server and returns
// the server-side session ID.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	body, err := c.postJSON(ctx, "/v1/sessions", createSessionRequest{Title: title})
	if err != nil {
		return "", err
	}

	var resp createSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", newError(KindProtocol, 0, "", "malformed create-session response", err)
	}
	return resp.ID, nil
}

// DeleteSession removes a conversation thread from the server.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/sessions/"+sessionID, nil)
	if err != nil {
		return newError(KindNetwork, 0, "", "failed to create request", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := readResponse(resp)
		return c.handleErrorResponse(resp.StatusCode, body)
	}
	return nil
}

// SendMessage submits a user prompt. The server answers with the ID of
// the assistant turn it will stream on the session's event feed.
func (c *Client) SendMessage(ctx context.Context, sessionID, content string) (*SendResult, error) {
	body, err := c.postJSON(ctx, "/v1/sessions/"+sessionID+"/messages", sendMessageRequest{
		Content: content,
	})
	if err != nil {
		return nil, err
	}

	var result SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, newError(KindProtocol, 0, "", "malformed send-message response", err)
	}
	return &result, nil
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

// postJSON performs a POST and returns the response body on 2xx.
func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, newError(KindNetwork, 0, "", "failed to create request", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request completed")

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// setHeaders sets the required headers for API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.credential)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "skiff/0.1.0")
}

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, newError(KindNetwork, resp.StatusCode, "", "failed to read response", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, newError(KindProtocol, resp.StatusCode, "",
			fmt.Sprintf("response exceeded maximum size of %d bytes", int64(MaxResponseSize)), nil)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to classified errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	code := ""
	message := strings.TrimSpace(string(body))

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		code = apiErr.Error.Code
		message = apiErr.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return newError(KindAuth, statusCode, code, message, ErrAuthFailed)
	case http.StatusNotFound:
		return newError(KindNotFound, statusCode, code, message, ErrNotFound)
	case http.StatusConflict:
		return newError(KindInvalidState, statusCode, code, message, ErrInvalidState)
	case http.StatusUpgradeRequired:
		return newError(KindAuth, statusCode, code, message, ErrIncompatibleServer)
	default:
		if statusCode >= 500 {
			return newError(KindNetwork, statusCode, code, message, nil)
		}
		return newError(KindProtocol, statusCode, code, message, nil)
	}
}

// classifyTransport wraps a transport-level error into the taxonomy.
func classifyTransport(err error) error {
	kind := Classify(err)
	return newError(kind, 0, "", err.Error(), err)
}
