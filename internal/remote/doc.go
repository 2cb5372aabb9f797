// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote implements the HTTP + SSE client for the chat server.
//
// The server exposes a request/response API for handshake, liveness, and
// session CRUD, plus one Server-Sent-Events feed per session carrying
// the assistant's incremental output (delta, done, error, heartbeat
// events).
//
// # Key Types
//
//   - Client: pooled HTTP client bound to one endpoint and credential
//   - Stream: one open SSE feed, consumed as a channel of StreamEvent
//   - Error / Kind: the closed error taxonomy used across skiff
//   - Backoff: exponential retry delays with jitter (1s base, 60s cap)
//
// # Usage
//
//	client := remote.NewClient(baseURL, secret, log)
//	if _, err := client.Handshake(ctx); err != nil { ... }
//
//	stream, err := client.OpenStream(ctx, sessionID, "")
//	for ev := range stream.Events() {
//	    switch ev.Type { ... }
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Credentials never appear in logs; diagnostics use a SHA-256
// fingerprint.
package remote
