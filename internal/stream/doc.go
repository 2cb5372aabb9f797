// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream relays server-sent message deltas into sessions.
//
// The engine owns at most one live feed: sending a prompt opens an SSE
// stream for the assistant's reply and applies each delta to the
// session manager under a generation tag. If the feed goes silent past
// the heartbeat timeout or drops, the engine reconnects with capped
// jittered backoff and resumes from the last event ID, relying on the
// per-message sequence check to discard anything the server replays.
//
// Cancellation is immediate: switching prompts, deleting the session,
// or disconnecting cancels the feed context, and the stale generation
// tag guarantees late events cannot touch a session they no longer own.
package stream
