// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for connections, chat
// sessions, and messages.
//
// These types are pure data. Behavior lives in the owning components:
// internal/connection mutates Connection state, internal/session owns the
// ChatSession and Message lifecycles, and internal/store persists all
// three across restarts.
//
// # Key Types
//
//   - Connection: a configured remote chat-server endpoint plus live status
//   - ConnStatus: the six-state connection lifecycle
//   - ChatSession: a conversation thread bound to one connection
//   - Message: one turn in a session, possibly still streaming
package model
