// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind is the closed taxonomy of client errors. Every error surfaced by
// this package classifies into exactly one kind, so callers can switch
// exhaustively instead of matching strings.
type Kind int

const (
	// KindNetwork is a transient transport failure, retryable via backoff.
	KindNetwork Kind = iota

	// KindAuth is a credential or server-compatibility failure. Not
	// retryable without user intervention.
	KindAuth

	// KindProtocol is malformed server data. The offending unit is
	// logged and skipped; the connection itself is not torn down.
	KindProtocol

	// KindTimeout is a deadline expiry, treated as KindNetwork for retry
	// purposes.
	KindTimeout

	// KindNotFound is a caller programming error: the referenced entity
	// does not exist. Surfaced synchronously, never retried.
	KindNotFound

	// KindInvalidState is a caller programming error: the operation is
	// illegal in the entity's current state.
	KindInvalidState

	// KindRecovered marks a shared-state poison that was detected and
	// self-healed. Logged at warning level, never user-facing.
	KindRecovered
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindRecovered:
		return "recovered_inconsistency"
	default:
		return "unknown"
	}
}

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrAuthFailed indicates the credential was rejected by the server.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrIncompatibleServer indicates the server speaks an unsupported
	// protocol version. Requires user intervention like ErrAuthFailed.
	ErrIncompatibleServer = errors.New("incompatible server version")

	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the operation is illegal in the current
	// entity state.
	ErrInvalidState = errors.New("invalid state")

	// ErrStreamClosed indicates the event stream was closed by the
	// server or by cancellation.
	ErrStreamClosed = errors.New("stream closed")
)

// =============================================================================
// TYPED ERROR
// =============================================================================

// Error is a classified error from the remote server.
type Error struct {
	Kind    Kind
	Code    string // server-provided error code, if any
	Message string
	Status  int // HTTP status, 0 when not applicable
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error [%s] (HTTP %d): %s", e.Kind, e.Code, e.Status, e.Message)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is supports errors.Is against the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Kind == KindAuth && !errors.Is(e.Err, ErrIncompatibleServer)
	case ErrIncompatibleServer:
		return errors.Is(e.Err, ErrIncompatibleServer)
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInvalidState:
		return e.Kind == KindInvalidState
	}
	return false
}

// newError builds a classified error wrapping err.
func newError(kind Kind, status int, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Status: status, Err: err}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify maps an arbitrary error to its taxonomy kind. Unknown errors
// classify as KindNetwork, the conservative retryable default for a
// client talking over an unreliable link.
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrIncompatibleServer):
		return KindAuth
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindNetwork
}

// Retryable reports whether the error should be retried with backoff.
// Exhaustive over the taxonomy: only transient transport failures and
// timeouts qualify. Context cancellation is never retryable.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch Classify(err) {
	case KindNetwork, KindTimeout:
		return true
	case KindAuth, KindProtocol, KindNotFound, KindInvalidState, KindRecovered:
		return false
	default:
		return false
	}
}
