// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package connection manages remote endpoints and the one live
// connection to them.
//
// The Registry is the durable list of configured endpoints. The Manager
// owns the lifecycle of the single active connection: it runs the
// handshake, drives the status state machine (Disconnected, Connecting,
// Connected, Degraded, Reconnecting, Failed), keeps a background health
// probe running, and reconnects with capped exponential backoff when
// the endpoint is lost.
//
// All shared state sits behind a poison-recoverable guard (see
// internal/guard): a panic inside any critical section is contained,
// logged as a recovered inconsistency, and the next access takes
// ownership of the still-valid data. A background-task bug degrades one
// probe cycle instead of killing the process.
//
// # Key Types
//
//   - Registry: CRUD over configured endpoints, persisted via the store
//   - Manager: the state machine, health monitor, and reconnect driver
//   - Status: a bounded-latency snapshot of the live connection
//   - CredentialSource: resolves credential references to real secrets
//
// # Usage
//
//	reg, _ := connection.NewRegistry(db)
//	mgr := connection.NewManager(reg, keyring, events, connection.DefaultConfig(), log)
//	conn, _ := reg.Add("prod", "https://chat.example.com", credRef)
//	if err := mgr.Connect(ctx, conn.ID); err != nil { ... }
//	defer mgr.Close()
package connection
