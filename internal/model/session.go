// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"
)

// =============================================================================
// CHAT SESSION TYPE
// =============================================================================

// ChatSession holds one conversation thread bound to a connection.
//
// ConnectionID is a foreign reference, not ownership: the connection may
// be deleted later, in which case the session becomes orphaned and
// read-only.
type ChatSession struct {
	// Identity
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// MessageOrder is the ordered sequence of message IDs.
	MessageOrder []string `json:"message_order"`

	// Orphaned marks a session whose connection no longer exists.
	Orphaned bool `json:"orphaned,omitempty"`
}

// NewChatSession creates a session with a generated ID.
func NewChatSession(connectionID, title string) *ChatSession {
	now := time.Now()
	return &ChatSession{
		ID:           generateID("sess"),
		ConnectionID: connectionID,
		Title:        title,
		CreatedAt:    now,
		UpdatedAt:    now,
		MessageOrder: make([]string, 0),
	}
}

// AppendMessageID records a message at the end of the ordering.
func (s *ChatSession) AppendMessageID(id string) {
	s.MessageOrder = append(s.MessageOrder, id)
	s.UpdatedAt = time.Now()
}

// MessageCount returns the number of messages in the session.
func (s *ChatSession) MessageCount() int {
	return len(s.MessageOrder)
}

// Clone returns a copy safe to hand across goroutines.
func (s *ChatSession) Clone() *ChatSession {
	out := *s
	out.MessageOrder = append([]string(nil), s.MessageOrder...)
	return &out
}

// DeriveTitle builds a session title from the first user prompt.
// Uses rune-based truncation for Unicode safety.
func DeriveTitle(prompt string) string {
	title := strings.ReplaceAll(prompt, "\n", " ")
	title = strings.ReplaceAll(title, "\r", "")
	title = strings.TrimSpace(title)
	if title == "" {
		return "New chat"
	}
	runes := []rune(title)
	if len(runes) > 50 {
		title = string(runes[:47]) + "..."
	}
	return title
}
