// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONNECTION STATUS
// =============================================================================

// ConnStatus represents the lifecycle state of a connection.
type ConnStatus int

const (
	// StatusDisconnected means no connection is established or wanted.
	StatusDisconnected ConnStatus = iota

	// StatusConnecting means a handshake is in progress.
	StatusConnecting

	// StatusConnected means the endpoint is reachable and authenticated.
	StatusConnected

	// StatusDegraded means consecutive health checks failed but the
	// endpoint is still technically reachable (slow responses).
	StatusDegraded

	// StatusReconnecting means the connection was confirmed lost and
	// reconnection attempts are running with backoff.
	StatusReconnecting

	// StatusFailed means a non-retryable error occurred (bad credentials,
	// incompatible server). Terminal until the user retries.
	StatusFailed
)

// String returns the string representation of the status.
func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDegraded:
		return "degraded"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Valid returns true if the status is one of the six defined states.
func (s ConnStatus) Valid() bool {
	return s >= StatusDisconnected && s <= StatusFailed
}

// Live returns true if the status represents an established or
// recovering connection (health monitoring should be running).
func (s ConnStatus) Live() bool {
	return s == StatusConnected || s == StatusDegraded || s == StatusReconnecting
}

// =============================================================================
// CONNECTION TYPE
// =============================================================================

// Connection represents one configured remote chat-server endpoint.
//
// CredentialRef is an opaque handle into secure credential storage. The
// raw secret never enters this struct and therefore never gets logged or
// serialized.
type Connection struct {
	// Identity
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	BaseURL     string `json:"base_url"`

	// CredentialRef resolves to the real secret via the keyring.
	CredentialRef string `json:"credential_ref"`

	// Live state (mutated only by the connection manager)
	Status          ConnStatus `json:"-"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewConnection creates a connection record with a generated ID.
func NewConnection(displayName, baseURL, credentialRef string) *Connection {
	return &Connection{
		ID:            generateID("conn"),
		DisplayName:   displayName,
		BaseURL:       baseURL,
		CredentialRef: credentialRef,
		Status:        StatusDisconnected,
		CreatedAt:     time.Now(),
	}
}

// Clone returns a copy of the connection safe to hand across goroutines.
func (c *Connection) Clone() *Connection {
	out := *c
	if c.LastConnectedAt != nil {
		t := *c.LastConnectedAt
		out.LastConnectedAt = &t
	}
	return &out
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique prefixed identifier.
func generateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
