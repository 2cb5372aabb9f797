// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid returns true for the three known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// =============================================================================
// STREAM STATE
// =============================================================================

// StreamState tracks the delivery state of a message's content.
type StreamState int

const (
	// StreamPending means the server accepted the turn but no delta has
	// arrived yet.
	StreamPending StreamState = iota

	// Streaming means deltas are being appended. Content is append-only.
	Streaming

	// StreamComplete means the turn finished. Content is immutable.
	StreamComplete

	// StreamFailed means the turn errored. Content is immutable.
	StreamFailed
)

// String returns the string representation of the stream state.
func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "pending"
	case Streaming:
		return "streaming"
	case StreamComplete:
		return "complete"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal returns true once the message content is immutable.
func (s StreamState) Terminal() bool {
	return s == StreamComplete || s == StreamFailed
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single turn in a chat session.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content accumulates incrementally while State == Streaming.
	Content string `json:"content"`

	// State transitions Pending -> Streaming -> Complete/Failed.
	State StreamState `json:"state"`

	// FailReason holds a human-readable reason when State == StreamFailed.
	FailReason string `json:"fail_reason,omitempty"`

	// lastSeq is the highest contiguously applied delta sequence
	// number. Deltas with seq <= lastSeq already happened and are
	// discarded, which makes delta application idempotent under
	// at-least-once delivery.
	// Not persisted; a reloaded message is always terminal.
	lastSeq uint64

	// pending holds fragments that arrived ahead of a gap, keyed by
	// seq, until the missing sequence numbers fill in.
	pending map[uint64]string

	// streamContent avoids quadratic allocations during streaming.
	streamContent strings.Builder
}

// NewUserMessage creates a completed user message.
func NewUserMessage(sessionID, content string) *Message {
	return &Message{
		ID:        generateID("msg"),
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   content,
		State:     StreamComplete,
		Timestamp: time.Now(),
	}
}

// NewAssistantMessage creates a pending assistant message that will
// receive streamed deltas.
func NewAssistantMessage(sessionID string) *Message {
	return &Message{
		ID:        generateID("msg"),
		SessionID: sessionID,
		Role:      RoleAssistant,
		State:     StreamPending,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a completed system message.
func NewSystemMessage(sessionID, content string) *Message {
	return &Message{
		ID:        generateID("msg"),
		SessionID: sessionID,
		Role:      RoleSystem,
		Content:   content,
		State:     StreamComplete,
		Timestamp: time.Now(),
	}
}

// =============================================================================
// DELTA APPLICATION
// =============================================================================

// ApplyDelta appends one streamed fragment identified by its monotonic
// sequence number. Fragments land in content exactly once, in sequence
// order, regardless of arrival order: a seq at or below the high-water
// mark is a duplicate and is discarded, and a fragment past a gap is
// held back until the missing sequence numbers arrive, then appended in
// order. Returns the text actually appended (the fragment plus any held
// fragments it made contiguous) and whether content changed.
//
// ApplyDelta transitions a Pending message to Streaming on first apply.
// Calling it on a terminal message is a no-op returning false; the caller
// decides whether that is a contract violation.
func (m *Message) ApplyDelta(seq uint64, text string) (string, bool) {
	if m.State.Terminal() {
		return "", false
	}
	if seq <= m.lastSeq {
		return "", false
	}
	if seq > m.lastSeq+1 {
		if m.pending == nil {
			m.pending = make(map[uint64]string)
		}
		m.pending[seq] = text
		return "", false
	}

	m.State = Streaming
	m.lastSeq = seq
	m.streamContent.WriteString(text)
	appended := text

	// Drain held fragments that are now contiguous.
	for {
		next, ok := m.pending[m.lastSeq+1]
		if !ok {
			break
		}
		delete(m.pending, m.lastSeq+1)
		m.lastSeq++
		m.streamContent.WriteString(next)
		appended += next
	}
	return appended, true
}

// LastSeq returns the highest delta sequence number applied so far.
// Used to resume a dropped stream from the last acknowledged position.
func (m *Message) LastSeq() uint64 {
	return m.lastSeq
}

// Complete finalizes the streamed content and freezes the message.
func (m *Message) Complete() {
	if m.State.Terminal() {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.State = StreamComplete
}

// Fail freezes the message with whatever content arrived plus a reason.
func (m *Message) Fail(reason string) {
	if m.State.Terminal() {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.State = StreamFailed
	m.FailReason = reason
}

// DisplayContent returns the content to display (streaming or final).
func (m *Message) DisplayContent() string {
	if m.State == Streaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := m.DisplayContent()
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a snapshot copy safe for concurrent readers. Streamed
// content is materialized into Content so the copy is self-contained.
func (m *Message) Clone() *Message {
	out := &Message{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Role:       m.Role,
		Timestamp:  m.Timestamp,
		Content:    m.DisplayContent(),
		State:      m.State,
		FailReason: m.FailReason,
		lastSeq:    m.lastSeq,
	}
	return out
}
