// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client assembles the skiff subsystems into one facade.
//
// It owns construction order and teardown order: store, keyring,
// event bridge, connection registry and manager, session manager, and
// the stream engine, wired so a disconnect cancels the active stream
// and removing a connection orphans its sessions. Frontends (the CLI,
// the REPL) talk to this package and subscribe to the bridge; they
// never reach into the subsystems directly.
package client

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jeranaias/skiff/internal/bridge"
	"github.com/jeranaias/skiff/internal/config"
	"github.com/jeranaias/skiff/internal/connection"
	"github.com/jeranaias/skiff/internal/keyring"
	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/session"
	"github.com/jeranaias/skiff/internal/store"
	"github.com/jeranaias/skiff/internal/stream"
)

// =============================================================================
// CLIENT
// =============================================================================

// Client is the assembled application core.
type Client struct {
	cfg *config.Config
	log zerolog.Logger

	db       *store.Store
	keyring  *keyring.Keyring
	events   *bridge.Bridge
	registry *connection.Registry
	conns    *connection.Manager
	sessions *session.Manager
	engine   *stream.Engine
}

// New builds the full stack from configuration. Paths left empty in
// the config resolve to their defaults under ~/.skiff.
func New(cfg *config.Config, log zerolog.Logger) (*Client, error) {
	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		p, err := store.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		dbPath = p
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	krPath := cfg.Storage.KeyringPath
	if krPath == "" {
		p, err := keyring.DefaultPath()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to resolve keyring path: %w", err)
		}
		krPath = p
	}
	kr, err := keyring.Open(krPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	events := bridge.New(log)

	registry, err := connection.NewRegistry(db)
	if err != nil {
		events.Close()
		db.Close()
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	sessions, err := session.NewManager(db, registry, events, log)
	if err != nil {
		events.Close()
		db.Close()
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	connCfg := connection.DefaultConfig()
	connCfg.HealthInterval = cfg.HealthInterval()
	connCfg.ProbeTimeout = cfg.ProbeTimeout()
	connCfg.DegradeThreshold = cfg.Connection.DegradeThreshold
	connCfg.ReconnectCap = cfg.ReconnectCap()
	conns := connection.NewManager(registry, kr, events, connCfg, log)

	streamCfg := stream.DefaultConfig()
	streamCfg.HeartbeatTimeout = cfg.HeartbeatTimeout()
	engine := stream.NewEngine(sessions, conns, streamCfg, log)

	// A confirmed disconnect must stop any in-flight stream.
	conns.SetDisconnectHook(engine.OnDisconnect)

	return &Client{
		cfg:      cfg,
		log:      log,
		db:       db,
		keyring:  kr,
		events:   events,
		registry: registry,
		conns:    conns,
		sessions: sessions,
		engine:   engine,
	}, nil
}

// Events returns the bridge for frontend subscriptions.
func (c *Client) Events() *bridge.Bridge { return c.events }

// Close tears the stack down in reverse dependency order.
func (c *Client) Close() {
	c.engine.Close()
	c.conns.Close()
	c.events.Close()
	c.db.Close()
}

// =============================================================================
// CONNECTIONS
// =============================================================================

// AddConnection stores the secret in the keyring and registers the
// connection with the resulting reference. The secret itself never
// reaches the registry or the database.
func (c *Client) AddConnection(displayName, baseURL, secret string) (*model.Connection, error) {
	ref, err := c.keyring.Store(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	conn, err := c.registry.Add(displayName, baseURL, ref)
	if err != nil {
		// Roll the orphaned credential back out of the keyring.
		if derr := c.keyring.Delete(ref); derr != nil {
			c.log.Warn().Err(derr).Msg("failed to remove orphaned credential")
		}
		return nil, err
	}
	return conn, nil
}

// RemoveConnection disconnects if the target is active, deletes the
// record and its credential, and orphans its sessions. Session content
// stays readable.
func (c *Client) RemoveConnection(id string) error {
	conn, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if err := c.conns.RemoveConnection(id); err != nil {
		return err
	}
	c.sessions.MarkOrphaned(id)
	if conn.CredentialRef != "" {
		if err := c.keyring.Delete(conn.CredentialRef); err != nil {
			c.log.Warn().Err(err).Str("connection_id", id).Msg("failed to delete credential")
		}
	}
	return nil
}

// ListConnections returns all registered connections.
func (c *Client) ListConnections() []*model.Connection {
	return c.registry.List()
}

// Connect activates the named connection.
func (c *Client) Connect(ctx context.Context, id string) error {
	return c.conns.Connect(ctx, id)
}

// Disconnect deactivates the current connection, if any.
func (c *Client) Disconnect() {
	c.conns.Disconnect()
}

// Switch moves the active connection to the target. An unknown target
// leaves the current connection untouched; once the target is known the
// current connection is dropped before the new handshake, so a failed
// handshake ends with no active connection and the target marked Failed.
func (c *Client) Switch(ctx context.Context, id string) error {
	return c.conns.Switch(ctx, id)
}

// ConnectionStatus reports the live status snapshot.
func (c *Client) ConnectionStatus() connection.Status {
	return c.conns.Status()
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession starts a new chat session on the given connection.
func (c *Client) CreateSession(connectionID, title string) (*model.ChatSession, error) {
	return c.sessions.CreateSession(connectionID, title)
}

// ListSessions returns snapshots of all sessions.
func (c *Client) ListSessions() []*model.ChatSession {
	return c.sessions.ListSessions()
}

// History returns the message history of a session.
func (c *Client) History(sessionID string) ([]*model.Message, error) {
	return c.sessions.History(sessionID)
}

// DeleteSession removes a session locally and forgets its server-side
// counterpart. A streaming session is cancelled first.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	c.engine.ForgetSession(ctx, sessionID)
	return c.sessions.DeleteSession(sessionID)
}

// =============================================================================
// MESSAGING
// =============================================================================

// SendPrompt appends the user message and starts streaming the
// assistant reply. Returns the pending assistant message.
func (c *Client) SendPrompt(ctx context.Context, sessionID, content string) (*model.Message, error) {
	return c.engine.SendPrompt(ctx, sessionID, content)
}

// CancelActive aborts the in-flight stream, if any. Content received
// so far is kept.
func (c *Client) CancelActive() error {
	return c.engine.CancelActive("cancelled by user")
}

// Streaming reports whether a stream is currently active.
func (c *Client) Streaming() bool {
	return c.engine.Streaming()
}
