// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/skiff/internal/bridge"
	"github.com/jeranaias/skiff/internal/guard"
	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/remote"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes the manager's monitoring behavior. Zero values are
// replaced with defaults.
type Config struct {
	// HealthInterval is the period between liveness probes.
	HealthInterval time.Duration

	// ProbeTimeout bounds each liveness probe.
	ProbeTimeout time.Duration

	// DegradeThreshold is how many consecutive probe timeouts mark the
	// connection Degraded.
	DegradeThreshold int

	// StatusTimeout bounds how long Status waits for the state lock
	// before falling back to the last published snapshot.
	StatusTimeout time.Duration

	// ConnectRate limits how fast connect attempts may be issued,
	// guarding the remote against accidental hammering from scripts.
	ConnectRate  rate.Limit
	ConnectBurst int

	// ReconnectBase and ReconnectCap shape the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		HealthInterval:   15 * time.Second,
		ProbeTimeout:     5 * time.Second,
		DegradeThreshold: 3,
		StatusTimeout:    250 * time.Millisecond,
		ConnectRate:      rate.Every(time.Second),
		ConnectBurst:     3,
		ReconnectBase:    remote.BackoffBase,
		ReconnectCap:     remote.BackoffCap,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.DegradeThreshold <= 0 {
		c.DegradeThreshold = d.DegradeThreshold
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = d.StatusTimeout
	}
	if c.ConnectRate <= 0 {
		c.ConnectRate = d.ConnectRate
	}
	if c.ConnectBurst <= 0 {
		c.ConnectBurst = d.ConnectBurst
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = d.ReconnectCap
	}
	return c
}

// CredentialSource resolves an opaque credential reference to the real
// secret. Implemented by the keyring; raw secrets never persist here.
type CredentialSource interface {
	Lookup(ref string) (string, error)
}

// remoteClient is the slice of remote.Client the manager needs. An
// interface so tests can substitute a scripted endpoint.
type remoteClient interface {
	Handshake(ctx context.Context) (*remote.HandshakeResult, error)
	Ping(ctx context.Context) error
	BaseURL() string
}

// =============================================================================
// STATUS SNAPSHOT
// =============================================================================

// Status is a point-in-time view of the active connection.
type Status struct {
	ConnectionID        string
	Status              model.ConnStatus
	LastError           string
	ConsecutiveFailures int
}

// =============================================================================
// MANAGER STATE
// =============================================================================

// healthWindow tracks recent probe outcomes. Transient, never persisted.
type healthWindow struct {
	outcomes []bool
	failures int // consecutive
}

const healthWindowSize = 10

func (h *healthWindow) record(ok bool) {
	h.outcomes = append(h.outcomes, ok)
	if len(h.outcomes) > healthWindowSize {
		h.outcomes = h.outcomes[1:]
	}
	if ok {
		h.failures = 0
	} else {
		h.failures++
	}
}

// managerState is the mutable core guarded by the poison-recoverable
// mutex. Every field in here is read and written only under the guard.
type managerState struct {
	connID string
	status model.ConnStatus
	client remoteClient

	// epoch increments on every connect/disconnect so stale health
	// loops and reconnect attempts recognize they have been replaced.
	epoch uint64

	health    healthWindow
	lastError string

	cancelHealth context.CancelFunc
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the live status of the active connection: at most one
// connection is active at a time, and all status transitions flow
// through here so they are totally ordered and published exactly once.
type Manager struct {
	registry *Registry
	creds    CredentialSource
	events   *bridge.Bridge
	log      zerolog.Logger
	cfg      Config

	connectLimiter *rate.Limiter

	// opMu serializes user-facing operations (connect, disconnect,
	// switch, remove) so a switch is atomic end to end. The guard below
	// protects the state itself and is what health ticks contend on.
	opMu sync.Mutex

	guard guard.Mutex
	st    managerState

	// snapshot mirrors the last committed Status so Status() can answer
	// within its bound even when the guard is busy.
	snapshot atomic.Value

	// onDisconnect is invoked (outside all locks) whenever the active
	// connection goes away, so the stream engine can cancel promptly.
	onDisconnect func()

	newClient func(baseURL, credential string) remoteClient

	wg sync.WaitGroup
}

// NewManager creates a connection manager over the registry.
func NewManager(registry *Registry, creds CredentialSource, events *bridge.Bridge, cfg Config, log zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		registry:       registry,
		creds:          creds,
		events:         events,
		log:            log.With().Str("component", "connection").Logger(),
		cfg:            cfg,
		connectLimiter: rate.NewLimiter(cfg.ConnectRate, cfg.ConnectBurst),
	}
	m.newClient = func(baseURL, credential string) remoteClient {
		return remote.NewClient(baseURL, credential, m.log)
	}
	m.snapshot.Store(Status{Status: model.StatusDisconnected})
	return m
}

// SetDisconnectHook registers a callback run after every disconnect.
// Must be called before the first Connect.
func (m *Manager) SetDisconnectHook(fn func()) {
	m.onDisconnect = fn
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Connect performs a handshake against the named connection and, on
// success, starts health monitoring. A handshake failure leaves the
// connection Failed with the reason recorded; callers retry explicitly.
func (m *Manager) Connect(ctx context.Context, connectionID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connectLocked(ctx, connectionID)
}

// Disconnect stops health monitoring and transitions to Disconnected.
// Idempotent and never fails.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnectLocked("user disconnect")
}

// Switch atomically replaces the active connection: no health tick can
// observe the old identity with the new status or vice versa.
func (m *Manager) Switch(ctx context.Context, connectionID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	// Validate before tearing down the current connection.
	if _, err := m.registry.Get(connectionID); err != nil {
		return err
	}
	m.disconnectLocked("switching connection")
	return m.connectLocked(ctx, connectionID)
}

// Status returns a snapshot of the active connection's state. Bounded:
// if the state lock cannot be acquired within the configured timeout,
// the last committed snapshot is returned instead of blocking.
func (m *Manager) Status() Status {
	poisoned, err := m.guard.LockTimeout(m.cfg.StatusTimeout)
	if err != nil {
		return m.snapshot.Load().(Status)
	}
	if poisoned {
		m.log.Warn().Msg("recovered poisoned connection state in status read")
		m.guard.ClearPoison()
	}
	st := Status{
		ConnectionID:        m.st.connID,
		Status:              m.st.status,
		LastError:           m.st.lastError,
		ConsecutiveFailures: m.st.health.failures,
	}
	m.guard.Unlock()
	return st
}

// ActiveClient returns the remote client for the live connection, or
// nil when not connected. The stream engine uses this to open feeds.
func (m *Manager) ActiveClient() *remote.Client {
	var client remoteClient
	m.withState("active client read", func() {
		if m.st.status.Live() {
			client = m.st.client
		}
	})
	if rc, ok := client.(*remote.Client); ok {
		return rc
	}
	return nil
}

// RemoveConnection force-disconnects if the target is active, then
// deletes the record. Sessions referencing it become orphaned.
func (m *Manager) RemoveConnection(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var active bool
	m.withState("remove connection", func() {
		active = m.st.connID == id && m.st.status != model.StatusDisconnected
	})
	if active {
		m.disconnectLocked("connection removed")
	}
	return m.registry.Remove(id)
}

// Close shuts the manager down and waits for background tasks.
func (m *Manager) Close() {
	m.Disconnect()
	m.wg.Wait()
}

// =============================================================================
// CORE TRANSITIONS
// =============================================================================

// connectLocked runs the handshake path. Caller holds opMu.
func (m *Manager) connectLocked(ctx context.Context, connectionID string) error {
	conn, err := m.registry.Get(connectionID)
	if err != nil {
		return err
	}

	if err := m.connectLimiter.Wait(ctx); err != nil {
		return err
	}

	credential, err := m.creds.Lookup(conn.CredentialRef)
	if err != nil {
		reason := "credential lookup failed"
		m.failConnection(connectionID, reason)
		return &remote.Error{Kind: remote.KindAuth, Message: reason, Err: err}
	}

	client := m.newClient(conn.BaseURL, credential)

	m.withState("connect setup", func() {
		m.st.epoch++
		m.st.connID = connectionID
		m.st.client = client
		m.st.health = healthWindow{}
		m.st.lastError = ""
		m.transitionLocked(model.StatusConnecting, "")
	})

	result, err := client.Handshake(ctx)
	if err != nil {
		m.failConnection(connectionID, err.Error())
		return err
	}

	var epoch uint64
	hctx, cancel := context.WithCancel(context.Background())
	m.withState("connect commit", func() {
		m.st.cancelHealth = cancel
		epoch = m.st.epoch
		m.transitionLocked(model.StatusConnected, "")
	})

	now := time.Now()
	if err := m.registry.update(connectionID, func(c *model.Connection) {
		c.Status = model.StatusConnected
		c.LastConnectedAt = &now
		c.LastError = ""
	}); err != nil {
		m.log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to persist connect")
	}

	m.log.Info().
		Str("connection_id", connectionID).
		Str("server_version", result.ServerVersion).
		Msg("connected")

	m.wg.Add(1)
	go m.healthLoop(hctx, epoch)
	return nil
}

// disconnectLocked tears down the active connection. Caller holds opMu.
func (m *Manager) disconnectLocked(reason string) {
	var cancel context.CancelFunc
	m.withState("disconnect", func() {
		cancel = m.st.cancelHealth
		m.st.cancelHealth = nil
		m.st.client = nil
		m.st.epoch++
		m.st.health = healthWindow{}
		m.transitionLocked(model.StatusDisconnected, reason)
		m.st.connID = ""
	})
	if cancel != nil {
		cancel()
	}
	if m.onDisconnect != nil {
		m.onDisconnect()
	}
}

// failConnection records a terminal failure. Safe without opMu for the
// reconnect path; transitions are still serialized by the guard.
func (m *Manager) failConnection(connectionID, reason string) {
	var cancel context.CancelFunc
	m.withState("fail connection", func() {
		cancel = m.st.cancelHealth
		m.st.cancelHealth = nil
		m.st.client = nil
		m.st.epoch++
		m.st.lastError = reason
		m.transitionLocked(model.StatusFailed, reason)
	})
	if cancel != nil {
		cancel()
	}
	if err := m.registry.update(connectionID, func(c *model.Connection) {
		c.Status = model.StatusFailed
		c.LastError = reason
	}); err != nil {
		m.log.Debug().Err(err).Msg("failed to persist connection failure")
	}
	if m.onDisconnect != nil {
		m.onDisconnect()
	}
}

// transitionLocked moves to a new status and publishes the change
// exactly once. Caller holds the guard; publishing under the guard is
// what makes transitions totally ordered, and the bridge never blocks
// so holding the lock across the publish is safe.
func (m *Manager) transitionLocked(to model.ConnStatus, reason string) {
	if m.st.status == to {
		return
	}
	from := m.st.status
	m.st.status = to

	snap := Status{
		ConnectionID:        m.st.connID,
		Status:              to,
		LastError:           m.st.lastError,
		ConsecutiveFailures: m.st.health.failures,
	}
	m.snapshot.Store(snap)

	m.log.Info().
		Str("connection_id", m.st.connID).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("connection status changed")

	if m.events != nil {
		m.events.PublishConnectionStatus(bridge.ConnectionStatusEvent{
			ConnectionID: m.st.connID,
			Status:       to,
			Reason:       reason,
		})
	}
}

// =============================================================================
// GUARDED ACCESS
// =============================================================================

// withState runs fn with the state guard held, recovering a poisoned
// guard and containing panics so they poison the guard instead of
// killing the process. This is the single chokepoint for shared-state
// access; a panic inside fn is logged, the poison is cleared by the
// next access, and the process keeps running.
func (m *Manager) withState(op string, fn func()) {
	recovered := m.guard.Do(func(poisoned bool) {
		if poisoned {
			m.log.Warn().Str("op", op).Msg("recovered poisoned connection state")
		}
		fn()
	})
	if recovered != nil {
		m.log.Error().
			Str("op", op).
			Interface("panic", recovered).
			Msg("panic in connection state access, contained")
	}
}
